// Package hal defines the boundary the bootloader core calls out through:
// non-volatile key/value storage, flash access, the host transport, and the
// control-transfer primitive that starts the application. Integrators supply
// implementations for their MCU; the core never touches hardware directly.
package hal

// Addr is a flash or memory address on the target.
type Addr uint64

// NVMKey selects one of the persisted bootloader values. The key space is
// fixed; the representation behind it is the integrator's choice.
type NVMKey int

const (
	// NVMKeyAppCRC is the stored CRC of the application image, checked
	// before jumping when NVMKeyVerifyFlashBeforeJumping is set.
	NVMKeyAppCRC NVMKey = iota
	// NVMKeyAppStartAddress is the start address of the application partition.
	NVMKeyAppStartAddress
	// NVMKeyAppEndAddress is the end address (inclusive) of the application
	// partition.
	NVMKeyAppEndAddress
	// NVMKeyAppSize is the size in bytes of the flashed application image.
	NVMKeyAppSize
	// NVMKeyAppResetVectorAddress is the address execution jumps to.
	NVMKeyAppResetVectorAddress
	// NVMKeyVerifyFlashBeforeJumping gates the pre-jump CRC check.
	NVMKeyVerifyFlashBeforeJumping
)

var nvmKeyNames = map[NVMKey]string{
	NVMKeyAppCRC:                   "app_crc",
	NVMKeyAppStartAddress:          "app_start_address",
	NVMKeyAppEndAddress:            "app_end_address",
	NVMKeyAppSize:                  "app_size",
	NVMKeyAppResetVectorAddress:    "app_reset_vector_address",
	NVMKeyVerifyFlashBeforeJumping: "verify_flash_before_jumping",
}

func (k NVMKey) String() string {
	if name, ok := nvmKeyNames[k]; ok {
		return name
	}
	return "unknown key"
}

// NVMData carries the value for one NVM key. Only the field selected by the
// key is meaningful on any given call; the rest are ignored.
type NVMData struct {
	AppCRC                   uint32
	AppStartAddress          Addr
	AppEndAddress            Addr
	AppSize                  uint32
	AppResetVectorAddress    Addr
	VerifyFlashBeforeJumping bool
}

// NVM is the persisted key/value store owned by the integrator. The core
// writes only NVMKeyAppSize and NVMKeyAppCRC (on DFU START); the addressing
// keys are provisioned out-of-band.
type NVM interface {
	Read(key NVMKey, data *NVMData) error
	Write(key NVMKey, data *NVMData) error
}

// Flash is the application-partition flash. Erase covers the inclusive range
// [start, end]; Write requires the range to have been erased first; Read is
// used for post-DFU image verification. All calls block until complete.
type Flash interface {
	Erase(start, end Addr) error
	Write(addr Addr, data []byte) error
	Read(addr Addr, out []byte) error
}

// Transport delivers an opaque frame to the DFU host. Link-layer integrity
// is the transport's concern; the core assumes delivered frames are intact.
type Transport interface {
	SendToHost(data []byte) error
}

// AppJumper transfers control to the application reset vector. JumpToApp
// does not return on success; the address cannot be validated by the type
// system, so implementations sit behind the platform's unsafe boundary.
type AppJumper interface {
	JumpToApp(resetVector Addr) error
}
