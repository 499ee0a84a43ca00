package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sahil-kale/voyager-bootloader/pkg/host"
	"github.com/sahil-kale/voyager-bootloader/pkg/link"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "flash":
		if len(args) < 2 {
			fmt.Println("Usage: voyagerctl flash <port> <image.bin> [chunk-size] [baud]")
			os.Exit(1)
		}
		flashImage(args)
	case "crc":
		if len(args) < 1 {
			fmt.Println("Usage: voyagerctl crc <image.bin>")
			os.Exit(1)
		}
		printCRC(args[0])
	case "version":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Voyager DFU host CLI")
	fmt.Println()
	fmt.Println("Usage: voyagerctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  flash <port> <image.bin> [chunk-size] [baud]")
	fmt.Println("                    Flash an image over a serial port")
	fmt.Println("  crc <image.bin>   Print the image CRC-32 the device will verify")
	fmt.Println("  version           Print version information")
	fmt.Println("  help              Show this help")
}

func printVersion() {
	fmt.Printf("voyagerctl version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
}

func printCRC(path string) {
	image, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Error reading image %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Printf("%s: %d bytes, crc32 0x%08x\n", path, len(image), host.CalculateCRC(image))
}

func flashImage(args []string) {
	portName := args[0]
	imagePath := args[1]

	chunkSize := host.DefaultChunkSize
	if len(args) >= 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n <= 0 {
			fmt.Printf("Invalid chunk size: %s\n", args[2])
			os.Exit(1)
		}
		chunkSize = n
	}

	baud := link.DefaultBaudRate
	if len(args) >= 4 {
		n, err := strconv.Atoi(args[3])
		if err != nil || n <= 0 {
			fmt.Printf("Invalid baud rate: %s\n", args[3])
			os.Exit(1)
		}
		baud = n
	}

	image, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Printf("Error reading image %s: %v\n", imagePath, err)
		os.Exit(1)
	}

	port, err := link.OpenPort(portName, baud)
	if err != nil {
		fmt.Printf("Error opening port %s: %v\n", portName, err)
		os.Exit(1)
	}
	defer port.Close()

	fmt.Printf("Flashing %s (%d bytes, crc32 0x%08x) in %d-byte chunks\n",
		imagePath, len(image), host.CalculateCRC(image), chunkSize)

	if err := host.FlashImage(link.NewHostLink(port), image, chunkSize); err != nil {
		fmt.Printf("Flash failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Flash complete")
}
