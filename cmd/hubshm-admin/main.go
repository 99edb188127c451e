// Command hubshm-admin diagnoses and repairs shared-memory hub segments.
// It attaches read-only for inspection and takes the control lock only for
// repair operations, so it can run against a segment with live traffic.
package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/Qing-LAB/pylabhub-sub015/hubshm"
)

// CLI defines the command-line interface for hubshm-admin.
var CLI struct {
	// Global flags
	Name    string `name:"name" required:"" help:"Segment name (as derived by the hub)"`
	Secret  string `name:"secret" required:"" help:"Access secret, hex encoded"`
	Verbose bool   `name:"verbose" short:"v" help:"Enable debug logging"`

	Info           InfoCmd           `cmd:"" help:"Print control block summary"`
	Diagnose       DiagnoseCmd       `cmd:"" help:"Snapshot slot state (lock-free, may race live traffic)"`
	Reset          ResetCmd          `cmd:"" help:"Force-reset one or all slots"`
	ReleaseWriter  ReleaseWriterCmd  `cmd:"" name:"release-writer" help:"Reclaim a write lock held by a dead process"`
	ReleaseReaders ReleaseReadersCmd `cmd:"" name:"release-readers" help:"Clear reader pins left by dead consumers"`
	Cleanup        CleanupCmd        `cmd:"" help:"Purge heartbeat records of dead consumers"`
	Validate       ValidateCmd       `cmd:"" help:"Recompute and report checksum mismatches"`
}

// attach opens a diagnostic handle from the global flags.
func attach() (*hubshm.Diagnostic, error) {
	raw, err := hex.DecodeString(CLI.Secret)
	if err != nil || len(raw) != hubshm.DigestSize {
		return nil, fmt.Errorf("secret must be %d hex-encoded bytes", hubshm.DigestSize)
	}
	var secret [hubshm.DigestSize]byte
	copy(secret[:], raw)

	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return hubshm.AttachDiagnostic(CLI.Name, secret, hubshm.Options{Logger: logger})
}

// InfoCmd prints the control block summary.
type InfoCmd struct{}

func (c *InfoCmd) Run() error {
	d, err := attach()
	if err != nil {
		return err
	}
	defer d.Close()

	info := d.Info()
	fmt.Printf("format version: %d.%d\n", info.VersionMajor, info.VersionMinor)
	fmt.Printf("ring capacity:  %d slots x %d bytes\n", info.RingCapacity, info.SlotSize)
	fmt.Printf("zones:          %d  checksums: %v\n", info.ZoneCount, info.Checksums)
	fmt.Printf("head:           %d\n", info.Head)
	fmt.Printf("schema version: %d.%d\n", info.SchemaMajor, info.SchemaMinor)
	fmt.Printf("writer:         pid=%d gen=%d alive=%v\n", info.WriterPID, info.WriterGen, info.WriterAlive)
	for _, hb := range info.Heartbeats {
		fmt.Printf("consumer[%d]:    pid=%d age=%v alive=%v\n", hb.Index, hb.PID, hb.Age, hb.Alive)
	}
	return nil
}

// DiagnoseCmd snapshots slot state.
type DiagnoseCmd struct {
	Slot int64 `name:"slot" default:"-1" help:"Slot index (-1 for all)"`
}

func (c *DiagnoseCmd) Run() error {
	d, err := attach()
	if err != nil {
		return err
	}
	defer d.Close()

	print := func(s hubshm.SlotInfo) {
		fmt.Printf("slot %4d: state=%-8s gen=%-8d readers=%-3d diag=%d\n",
			s.Index, s.State, s.Generation, s.Readers, s.Diag)
	}
	if c.Slot >= 0 {
		info, err := d.DiagnoseSlot(uint32(c.Slot))
		if err != nil {
			return err
		}
		print(info)
		return nil
	}
	for _, info := range d.DiagnoseAll() {
		print(info)
	}
	return nil
}

// ResetCmd force-resets slots.
type ResetCmd struct {
	Slot int64 `name:"slot" default:"-1" help:"Slot index (-1 for all)"`
}

func (c *ResetCmd) Run() error {
	d, err := attach()
	if err != nil {
		return err
	}
	defer d.Close()
	if c.Slot >= 0 {
		return d.ForceResetSlot(uint32(c.Slot))
	}
	return d.ForceResetAll()
}

// ReleaseWriterCmd reclaims a dead writer's lock token.
type ReleaseWriterCmd struct{}

func (c *ReleaseWriterCmd) Run() error {
	d, err := attach()
	if err != nil {
		return err
	}
	defer d.Close()
	report, err := d.ReleaseZombieWriter()
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Println("write lock not held; nothing to do")
		return nil
	}
	fmt.Printf("reclaimed write lock from dead pid %d; new generation %d; reset %d slot(s)\n",
		report.PreviousPID, report.Generation, len(report.ResetSlots))
	return nil
}

// ReleaseReadersCmd clears dead readers' pins.
type ReleaseReadersCmd struct{}

func (c *ReleaseReadersCmd) Run() error {
	d, err := attach()
	if err != nil {
		return err
	}
	defer d.Close()
	slots, err := d.ReleaseZombieReaders()
	if err != nil {
		return err
	}
	fmt.Printf("released pins on %d slot(s): %v\n", len(slots), slots)
	return nil
}

// CleanupCmd purges dead consumer heartbeats.
type CleanupCmd struct{}

func (c *CleanupCmd) Run() error {
	d, err := attach()
	if err != nil {
		return err
	}
	defer d.Close()
	pids, err := d.CleanupDeadConsumers()
	if err != nil {
		return err
	}
	fmt.Printf("purged %d dead consumer(s): %v\n", len(pids), pids)
	return nil
}

// ValidateCmd runs a checksum validation pass.
type ValidateCmd struct{}

func (c *ValidateCmd) Run() error {
	d, err := attach()
	if err != nil {
		return err
	}
	defer d.Close()
	report, err := d.ValidateIntegrity()
	if err != nil {
		return err
	}
	fmt.Printf("checked %d slot(s), %d zone(s); skipped %d busy slot(s)\n",
		report.CheckedSlots, report.CheckedZones, len(report.SkippedSlots))
	if report.Ok() {
		fmt.Println("integrity ok")
		return nil
	}
	fmt.Printf("MISMATCHES: slots=%v zones=%v\n", report.BadSlots, report.BadZones)
	os.Exit(1)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("hubshm-admin"),
		kong.Description("Diagnose and repair shared-memory hub segments."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
