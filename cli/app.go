// Package cli implements the flashutil command line utility for reading,
// programming, and erasing SPI NOR flash chips from a Linux host.
package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/viam-labs/spiflash"
	"github.com/viam-labs/spiflash/buses"
	"github.com/viam-labs/spiflash/buses/genericlinux"
)

const (
	// Global flags.
	flagSPI       = "spi"
	flagCSPin     = "cs-pin"
	flagSharedBus = "shared-bus"
	flagBaud      = "baud"
	flagMode      = "mode"
	flagDebug     = "debug"

	// Per-command flags.
	flagAddr  = "addr"
	flagLen   = "len"
	flagOut   = "out"
	flagIn    = "in"
	flagSize  = "size"
	flagValue = "value"
	flagForce = "force"
)

// NewApp builds the flashutil application.
func NewApp() *cli.App {
	var logger golog.Logger

	return &cli.App{
		Name:  "flashutil",
		Usage: "read, program, and erase SPI NOR flash chips",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagSPI,
				Value: "SPI0.0",
				Usage: "SPI port name as registered on the host",
			},
			&cli.StringFlag{
				Name:     flagCSPin,
				Required: true,
				Usage:    "GPIO pin name wired to the flash chip select",
			},
			&cli.BoolFlag{
				Name:  flagSharedBus,
				Usage: "bus is shared with other devices; reapply settings before every transaction",
			},
			&cli.UintFlag{
				Name:  flagBaud,
				Value: 30000000,
				Usage: "SPI clock rate in Hz",
			},
			&cli.UintFlag{
				Name:  flagMode,
				Usage: "SPI mode (0-3)",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = golog.NewDebugLogger("flashutil")
			} else {
				logger = zap.NewNop().Sugar()
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "id",
				Usage: "read the chip's JEDEC identification",
				Action: func(c *cli.Context) (err error) {
					flash, closeBus, err := openFlash(c, logger)
					if err != nil {
						return err
					}
					defer func() { err = multierr.Combine(err, closeBus()) }()

					id, err := flash.ReadJEDECID(c.Context)
					if err != nil {
						return err
					}
					ok, err := flash.IsValidChip(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "JEDEC ID: %s\n", id)
					if ok {
						fmt.Fprintf(c.App.Writer, "chip: 25LQ080 (1 MiB)\n")
					} else {
						fmt.Fprintf(c.App.Writer, "chip: unrecognized\n")
					}
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "read the status register",
				Action: func(c *cli.Context) (err error) {
					flash, closeBus, err := openFlash(c, logger)
					if err != nil {
						return err
					}
					defer func() { err = multierr.Combine(err, closeBus()) }()

					sr, err := flash.ReadStatus(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "status: %s\n", sr)
					return nil
				},
			},
			{
				Name:  "write-status",
				Usage: "write the status register (protect bits)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagValue,
						Required: true,
						Usage:    "register value, e.g. 0x00",
					},
					forceFlag(),
				},
				Action: func(c *cli.Context) (err error) {
					v, err := strconv.ParseUint(c.String(flagValue), 0, 8)
					if err != nil {
						return errors.Wrapf(err, "invalid %s", flagValue)
					}

					flash, closeBus, err := openFlash(c, logger)
					if err != nil {
						return err
					}
					defer func() { err = multierr.Combine(err, closeBus()) }()

					if err := verifySupportedChip(c, flash); err != nil {
						return err
					}
					if err := flash.WriteStatus(c.Context, spiflash.StatusRegister(v)); err != nil {
						return err
					}
					sr, err := flash.ReadStatus(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "status: %s\n", sr)
					return nil
				},
			},
			{
				Name:  "read",
				Usage: "read flash contents to a file or as a hex dump",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagAddr,
						Value: "0",
						Usage: "start `ADDR` (0x prefix for hex)",
					},
					&cli.StringFlag{
						Name:     flagLen,
						Required: true,
						Usage:    "number of bytes to read",
					},
					&cli.StringFlag{
						Name:  flagOut,
						Usage: "write the bytes to `FILE` instead of hex dumping",
					},
				},
				Action: func(c *cli.Context) (err error) {
					addr, err := parseUint32Flag(c, flagAddr)
					if err != nil {
						return err
					}
					length, err := parseUint32Flag(c, flagLen)
					if err != nil {
						return err
					}

					flash, closeBus, err := openFlash(c, logger)
					if err != nil {
						return err
					}
					defer func() { err = multierr.Combine(err, closeBus()) }()

					if int64(addr)+int64(length) > flash.Size() {
						return errors.Errorf(
							"read of %d bytes at %#x runs past the end of the chip (%d bytes)",
							length, addr, flash.Size())
					}
					buf := make([]byte, length)
					if err := flash.Read(c.Context, addr, buf); err != nil {
						return err
					}
					if out := c.String(flagOut); out != "" {
						//nolint:gosec
						if err := os.WriteFile(out, buf, 0o640); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "read %d bytes at %#x into %s\n", len(buf), addr, out)
						return nil
					}
					fmt.Fprint(c.App.Writer, hex.Dump(buf))
					return nil
				},
			},
			{
				Name:  "write",
				Usage: "program flash from a file (programming only clears bits; erase first)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagAddr,
						Value: "0",
						Usage: "start `ADDR` (0x prefix for hex)",
					},
					&cli.StringFlag{
						Name:     flagIn,
						Required: true,
						Usage:    "`FILE` with the bytes to program",
					},
					forceFlag(),
				},
				Action: func(c *cli.Context) (err error) {
					addr, err := parseUint32Flag(c, flagAddr)
					if err != nil {
						return err
					}
					//nolint:gosec
					data, err := os.ReadFile(c.String(flagIn))
					if err != nil {
						return err
					}

					flash, closeBus, err := openFlash(c, logger)
					if err != nil {
						return err
					}
					defer func() { err = multierr.Combine(err, closeBus()) }()

					if int64(addr)+int64(len(data)) > flash.Size() {
						return errors.Errorf(
							"write of %d bytes at %#x runs past the end of the chip (%d bytes)",
							len(data), addr, flash.Size())
					}
					if err := verifySupportedChip(c, flash); err != nil {
						return err
					}
					if err := flash.Write(c.Context, addr, data); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %d bytes at %#x\n", len(data), addr)
					return nil
				},
			},
			{
				Name:  "erase",
				Usage: "erase a sector, a block, a range, or the whole chip",
				Subcommands: []*cli.Command{
					{
						Name:  "sector",
						Usage: "erase the 4 KiB sector containing ADDR",
						Flags: []cli.Flag{addrFlag(), forceFlag()},
						Action: func(c *cli.Context) error {
							return runErase(c, logger, func(c *cli.Context, flash *spiflash.Flash, addr uint32) error {
								if err := flash.EraseSector(c.Context, addr); err != nil {
									return err
								}
								fmt.Fprintf(c.App.Writer, "erased sector at %#x\n", addr)
								return nil
							})
						},
					},
					{
						Name:  "block",
						Usage: "erase the 64 KiB block containing ADDR",
						Flags: []cli.Flag{addrFlag(), forceFlag()},
						Action: func(c *cli.Context) error {
							return runErase(c, logger, func(c *cli.Context, flash *spiflash.Flash, addr uint32) error {
								if err := flash.EraseBlock(c.Context, addr); err != nil {
									return err
								}
								fmt.Fprintf(c.App.Writer, "erased block at %#x\n", addr)
								return nil
							})
						},
					},
					{
						Name:  "range",
						Usage: "erase a sector-aligned range",
						Flags: []cli.Flag{
							addrFlag(),
							&cli.StringFlag{
								Name:     flagSize,
								Required: true,
								Usage:    "number of bytes to erase (multiple of 4096)",
							},
							forceFlag(),
						},
						Action: func(c *cli.Context) error {
							return runErase(c, logger, func(c *cli.Context, flash *spiflash.Flash, addr uint32) error {
								size, err := parseUint32Flag(c, flagSize)
								if err != nil {
									return err
								}
								if err := flash.EraseRange(c.Context, addr, size); err != nil {
									return err
								}
								fmt.Fprintf(c.App.Writer, "erased %d bytes at %#x\n", size, addr)
								return nil
							})
						},
					},
					{
						Name:  "chip",
						Usage: "erase the entire chip",
						Flags: []cli.Flag{forceFlag()},
						Action: func(c *cli.Context) (err error) {
							flash, closeBus, err := openFlash(c, logger)
							if err != nil {
								return err
							}
							defer func() { err = multierr.Combine(err, closeBus()) }()

							if err := verifySupportedChip(c, flash); err != nil {
								return err
							}
							if err := flash.EraseChip(c.Context); err != nil {
								return err
							}
							fmt.Fprintf(c.App.Writer, "erased chip\n")
							return nil
						},
					},
				},
			},
		},
	}
}

func addrFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     flagAddr,
		Required: true,
		Usage:    "`ADDR` within the unit to erase (0x prefix for hex)",
	}
}

func forceFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  flagForce,
		Usage: "proceed even if the chip's JEDEC ID is not recognized",
	}
}

// openFlash connects to the chip named by the global flags and runs the
// power-on setup.
func openFlash(c *cli.Context, logger golog.Logger) (*spiflash.Flash, func() error, error) {
	conf := spiflash.Config{
		SharedBus: c.Bool(flagSharedBus),
		Bus: buses.Config{
			BaudHz: c.Uint(flagBaud),
			Mode:   c.Uint(flagMode),
		},
	}
	if err := conf.Validate("flash"); err != nil {
		return nil, nil, err
	}

	bus, err := genericlinux.NewSPI(c.String(flagSPI), logger)
	if err != nil {
		return nil, nil, err
	}
	closeBus := func() error { return bus.Close(c.Context) }

	csPin, err := genericlinux.NewGPIOPin(c.String(flagCSPin))
	if err != nil {
		return nil, nil, multierr.Combine(err, closeBus())
	}

	flash := spiflash.New(bus, csPin, conf, logger)
	if err := flash.Begin(c.Context); err != nil {
		return nil, nil, multierr.Combine(err, closeBus())
	}
	return flash, closeBus, nil
}

// runErase factors the shared open, verify, erase, close flow of the erase
// subcommands that take an address.
func runErase(
	c *cli.Context,
	logger golog.Logger,
	do func(c *cli.Context, flash *spiflash.Flash, addr uint32) error,
) (err error) {
	addr, err := parseUint32Flag(c, flagAddr)
	if err != nil {
		return err
	}

	flash, closeBus, err := openFlash(c, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, closeBus()) }()

	if err := verifySupportedChip(c, flash); err != nil {
		return err
	}
	return do(c, flash, addr)
}

// verifySupportedChip refuses to modify a chip whose JEDEC ID is not the
// supported part, unless --force is given.
func verifySupportedChip(c *cli.Context, flash *spiflash.Flash) error {
	if c.Bool(flagForce) {
		return nil
	}
	ok, err := flash.IsValidChip(c.Context)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	id, err := flash.ReadJEDECID(c.Context)
	if err != nil {
		return err
	}
	return errors.Errorf("unrecognized chip (JEDEC ID %s); pass --force to proceed anyway", id)
}

func parseUint32Flag(c *cli.Context, name string) (uint32, error) {
	v, err := strconv.ParseUint(c.String(name), 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return uint32(v), nil
}
