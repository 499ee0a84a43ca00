package dfu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahil-kale/voyager-bootloader/pkg/crc"
	"github.com/sahil-kale/voyager-bootloader/pkg/dfu"
	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
	"github.com/sahil-kale/voyager-bootloader/pkg/protocol"
	"github.com/sahil-kale/voyager-bootloader/testutil"
)

func newEngine(t *testing.T) (*dfu.Engine, *testutil.FakeNVM, *testutil.FakeFlash) {
	t.Helper()
	nvm := testutil.NewFakeNVM(testutil.DefaultNVMData())
	flash := testutil.NewFakeFlash(nvm.Data.AppStartAddress, 129)
	return dfu.NewEngine(nvm, flash, crc.Update), nvm, flash
}

func TestEnterResetsCountersAndErases(t *testing.T) {
	engine, _, flash := newEngine(t)

	require.NoError(t, engine.Enter())

	assert.Equal(t, uint8(0), engine.SequenceNumber())
	assert.Equal(t, uint32(0), engine.BytesWritten())
	require.Len(t, flash.EraseCalls, 1)
	assert.Equal(t, hal.Addr(0x1000), flash.EraseCalls[0].Start)
	assert.Equal(t, hal.Addr(0x1080), flash.EraseCalls[0].End)
}

func TestEnterFailsWhenNVMReadFails(t *testing.T) {
	engine, nvm, flash := newEngine(t)
	nvm.FailOnRead = true

	require.Error(t, engine.Enter())
	assert.Empty(t, flash.EraseCalls)
}

func TestEnterFailsWhenEraseFails(t *testing.T) {
	engine, _, flash := newEngine(t)
	flash.FailOnErase = true

	require.Error(t, engine.Enter())
}

func TestProcessStartCommitsNVMAndBuildsAck(t *testing.T) {
	engine, nvm, _ := newEngine(t)

	frame := testutil.StartFrame(128, 0xDEADBEEF)
	ack := make([]byte, protocol.AckMessageSize)
	ackErr, err := engine.ProcessStart(frame, protocol.Parse(frame).Start, ack)
	require.NoError(t, err)
	assert.Equal(t, protocol.DFUErrorNone, ackErr)

	// Size first, then CRC, so a host watching NVM traffic sees the same
	// order on every START.
	assert.Equal(t, []hal.NVMKey{hal.NVMKeyAppSize, hal.NVMKeyAppCRC}, nvm.WriteLog)
	assert.Equal(t, uint32(128), nvm.Data.AppSize)
	assert.Equal(t, uint32(0xDEADBEEF), nvm.Data.AppCRC)
	assert.Equal(t, uint32(128), engine.AppSize())

	var meta [4]byte
	protocol.PackCRC(meta[:], crc.Checksum(frame[1:8]))
	assert.Equal(t, testutil.ExpectedAck(t, protocol.DFUErrorNone, meta[:]), ack)
}

func TestProcessStartRejectsOversizedImage(t *testing.T) {
	engine, nvm, _ := newEngine(t)

	// Partition is 0x1000..0x1080 inclusive = 129 bytes.
	frame := testutil.StartFrame(130, 0xDEADBEEF)
	ack := make([]byte, protocol.AckMessageSize)
	ackErr, err := engine.ProcessStart(frame, protocol.Parse(frame).Start, ack)
	require.NoError(t, err)

	assert.Equal(t, protocol.DFUErrorSizeTooLarge, ackErr)
	assert.Empty(t, nvm.WriteLog, "a rejected START must not touch NVM")
	assert.Equal(t, testutil.ExpectedAck(t, protocol.DFUErrorSizeTooLarge, nil), ack)
}

func TestProcessStartExactPartitionSizeIsAccepted(t *testing.T) {
	engine, _, _ := newEngine(t)

	frame := testutil.StartFrame(129, 1)
	ack := make([]byte, protocol.AckMessageSize)
	ackErr, err := engine.ProcessStart(frame, protocol.Parse(frame).Start, ack)
	require.NoError(t, err)
	assert.Equal(t, protocol.DFUErrorNone, ackErr)
}

func TestProcessStartPropagatesNVMWriteFailure(t *testing.T) {
	engine, nvm, _ := newEngine(t)
	nvm.FailOnWrite = true

	frame := testutil.StartFrame(128, 1)
	ack := make([]byte, protocol.AckMessageSize)
	_, err := engine.ProcessStart(frame, protocol.Parse(frame).Start, ack)
	require.Error(t, err)
}

func startSession(t *testing.T, engine *dfu.Engine, appSize uint32) {
	t.Helper()
	frame := testutil.StartFrame(appSize, 0)
	ack := make([]byte, protocol.AckMessageSize)
	ackErr, err := engine.ProcessStart(frame, protocol.Parse(frame).Start, ack)
	require.NoError(t, err)
	require.Equal(t, protocol.DFUErrorNone, ackErr)
	require.NoError(t, engine.Enter())
}

func TestProcessDataInSequence(t *testing.T) {
	engine, _, flash := newEngine(t)
	startSession(t, engine, 8)

	frame := testutil.DataFrame(0, []byte{0xCA, 0xFE})
	ack := make([]byte, protocol.AckMessageSize)
	require.NoError(t, engine.ProcessData(frame, protocol.Parse(frame).Data, ack))

	assert.Equal(t, uint8(1), engine.SequenceNumber())
	assert.Equal(t, uint32(2), engine.BytesWritten())
	assert.Equal(t, protocol.DFUErrorNone, engine.Error())
	assert.Equal(t, []byte{0xCA, 0xFE}, flash.Contents()[:2])

	var meta [4]byte
	protocol.PackCRC(meta[:], crc.Checksum(frame[1:]))
	assert.Equal(t, testutil.ExpectedAck(t, protocol.DFUErrorNone, meta[:]), ack)
}

func TestProcessDataWritesAtSessionOffset(t *testing.T) {
	engine, _, flash := newEngine(t)
	startSession(t, engine, 8)

	ack := make([]byte, protocol.AckMessageSize)
	first := testutil.DataFrame(0, []byte{0x01, 0x02})
	require.NoError(t, engine.ProcessData(first, protocol.Parse(first).Data, ack))
	second := testutil.DataFrame(1, []byte{0x03, 0x04})
	require.NoError(t, engine.ProcessData(second, protocol.Parse(second).Data, ack))

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, flash.Contents()[:4])
	assert.Equal(t, uint32(4), engine.BytesWritten())
}

func TestProcessDataOutOfSequenceLatchesFault(t *testing.T) {
	engine, _, _ := newEngine(t)
	startSession(t, engine, 8)

	frame := testutil.DataFrame(5, []byte{0x01})
	ack := make([]byte, protocol.AckMessageSize)
	require.NoError(t, engine.ProcessData(frame, protocol.Parse(frame).Data, ack))

	assert.Equal(t, protocol.DFUErrorOutOfSequence, engine.Error())
	assert.Equal(t, uint32(0), engine.BytesWritten())
	assert.Equal(t, testutil.ExpectedAck(t, protocol.DFUErrorOutOfSequence, nil), ack)
}

func TestProcessDataRejectsOverflowBeyondDeclaredSize(t *testing.T) {
	engine, _, _ := newEngine(t)
	startSession(t, engine, 3)

	frame := testutil.DataFrame(0, []byte{1, 2, 3, 4})
	ack := make([]byte, protocol.AckMessageSize)
	require.NoError(t, engine.ProcessData(frame, protocol.Parse(frame).Data, ack))

	assert.Equal(t, protocol.DFUErrorSizeTooLarge, engine.Error())
	assert.Equal(t, uint32(0), engine.BytesWritten())
	assert.Equal(t, testutil.ExpectedAck(t, protocol.DFUErrorSizeTooLarge, nil), ack)
}

func TestSequenceNumberWrapsModulo256(t *testing.T) {
	nvm := testutil.NewFakeNVM(hal.NVMData{
		AppStartAddress: 0x1000,
		AppEndAddress:   0x1000 + 1023,
	})
	flash := testutil.NewFakeFlash(0x1000, 1024)
	engine := dfu.NewEngine(nvm, flash, crc.Update)
	startSession(t, engine, 300)

	// 300 one-byte payloads walk the counter through the 255 -> 0 wrap.
	ack := make([]byte, protocol.AckMessageSize)
	for i := 0; i < 300; i++ {
		frame := testutil.DataFrame(uint8(i), []byte{byte(i)})
		require.NoError(t, engine.ProcessData(frame, protocol.Parse(frame).Data, ack))
		require.Equal(t, protocol.DFUErrorNone, engine.Error())
	}
	assert.Equal(t, uint8(300%256), engine.SequenceNumber())
	assert.Equal(t, uint32(300), engine.BytesWritten())
	assert.True(t, engine.Complete())
}

func TestCompletePredicate(t *testing.T) {
	engine, _, _ := newEngine(t)
	startSession(t, engine, 2)
	assert.False(t, engine.Complete())

	frame := testutil.DataFrame(0, []byte{1, 2})
	ack := make([]byte, protocol.AckMessageSize)
	require.NoError(t, engine.ProcessData(frame, protocol.Parse(frame).Data, ack))
	assert.True(t, engine.Complete())
}

func TestVerifyFlash(t *testing.T) {
	engine, nvm, flash := newEngine(t)

	app := testutil.MakeFakeApp(128)
	require.NoError(t, flash.Write(0x1000, app))
	nvm.Data.AppSize = 128
	nvm.Data.AppCRC = crc.Checksum(app)

	ok, err := engine.VerifyFlash()
	require.NoError(t, err)
	assert.True(t, ok)

	nvm.Data.AppCRC++
	ok, err = engine.VerifyFlash()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyFlashSpansChunks(t *testing.T) {
	// An image larger than the verifier's read chunk must fold across
	// chunk boundaries correctly.
	nvm := testutil.NewFakeNVM(hal.NVMData{
		AppStartAddress: 0x1000,
		AppEndAddress:   0x1000 + 1023,
	})
	flash := testutil.NewFakeFlash(0x1000, 1024)
	engine := dfu.NewEngine(nvm, flash, crc.Update)

	app := testutil.MakeFakeApp(700)
	require.NoError(t, flash.Write(0x1000, app))
	nvm.Data.AppSize = 700
	nvm.Data.AppCRC = crc.Checksum(app)

	ok, err := engine.VerifyFlash()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFlashPropagatesReadFailure(t *testing.T) {
	engine, nvm, flash := newEngine(t)
	nvm.Data.AppSize = 16
	flash.FailOnRead = true

	_, err := engine.VerifyFlash()
	require.Error(t, err)
}

func TestResetClearsSession(t *testing.T) {
	engine, _, _ := newEngine(t)
	startSession(t, engine, 8)

	frame := testutil.DataFrame(9, []byte{1})
	ack := make([]byte, protocol.AckMessageSize)
	require.NoError(t, engine.ProcessData(frame, protocol.Parse(frame).Data, ack))
	require.Equal(t, protocol.DFUErrorOutOfSequence, engine.Error())

	engine.Reset()
	assert.Equal(t, protocol.DFUErrorNone, engine.Error())
	assert.Equal(t, uint32(0), engine.AppSize())
	assert.Equal(t, uint8(0), engine.SequenceNumber())
	assert.Equal(t, uint32(0), engine.BytesWritten())
}
