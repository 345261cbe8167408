// tiercore: tiered x86 execution core
//
// This is the command-line front end. It boots a raw guest image in real
// mode and runs it through the interpreter and compiled tiers, or serves
// block discovery as a compile worker for other machines.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortiblox/tiercore/pkg/compilesvc"
	"github.com/fortiblox/tiercore/pkg/machine"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	imagePath    = flag.String("image", "", "Raw guest image to boot")
	loadAddr     = flag.Uint64("load-addr", 0x7c00, "Physical address the image is loaded at")
	entryIP      = flag.Uint("entry", 0x7c00, "Real-mode entry IP (CS = 0)")
	memoryMB     = flag.Uint64("memory-mb", 16, "Guest RAM in MiB")
	enableJit    = flag.Bool("jit", true, "Enable the compiled tier")
	hotThreshold = flag.Uint("hot-threshold", 32, "Interpreter executions before an entry is compiled")
	cacheBlocks  = flag.Int("cache-blocks", 4096, "Compiled block cache size")
	cacheBytes   = flag.Uint64("cache-bytes", 4<<20, "Compiled block guest byte budget (0 = unlimited)")
	sliceBlocks  = flag.Uint64("slice", 10000, "Blocks run between compile services")
	maxBlocks    = flag.Uint64("max-blocks", 0, "Stop after this many blocks (0 = until halt)")
	deliverExc   = flag.Bool("deliver-exceptions", false, "Deliver exceptions to the guest instead of stopping")
	consolePort  = flag.Uint("console-port", 0xe9, "I/O port whose byte writes go to stdout (0 = none)")
	snapshotDB   = flag.String("snapshot-db", "", "Snapshot database file")
	restore      = flag.String("restore", "", "Snapshot name or ID to restore before running")
	saveAs       = flag.String("save-snapshot", "", "Save a snapshot under this name when the run ends")
	profileDir   = flag.String("profile-dir", "", "Hotness profile directory")
	warmStart    = flag.Bool("warm-start", false, "Seed hotness from the profile before running")
	workerAddr   = flag.String("compile-worker", "", "Remote compile worker address")
	workerToken  = flag.String("worker-token", "", "Compile worker token (supports ${VAR})")
	serveAddr    = flag.String("serve-compile", "", "Run as a compile worker listening on this address")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tiercore %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if *serveAddr != "" {
		if err := serveCompile(ctx, *serveAddr); err != nil {
			log.Fatalf("Compile worker failed: %v", err)
		}
		return
	}
	if err := runMachine(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}

func serveCompile(ctx context.Context, addr string) error {
	cfg := compilesvc.DefaultConfig()
	cfg.Token = *workerToken
	srv, err := compilesvc.NewServer(cfg)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	log.Printf("Starting tiercore %s compile worker on %s", Version, lis.Addr())

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	if err := srv.Serve(lis); err != nil {
		return err
	}
	st := srv.Stats()
	log.Printf("Compile worker stopped: requests=%d compiled=%d declined=%d rejected=%d",
		st.Requests, st.Compiled, st.Declined, st.Rejected)
	return nil
}

func runMachine(ctx context.Context) error {
	if *imagePath == "" && *restore == "" {
		return errors.New("nothing to run: set -image or -restore")
	}
	if *entryIP > 0xffff {
		return fmt.Errorf("entry IP %#x does not fit in 16 bits", *entryIP)
	}

	cfg := machine.DefaultConfig()
	cfg.MemorySize = *memoryMB << 20
	cfg.Jit.Enabled = *enableJit
	cfg.Jit.HotThreshold = uint32(*hotThreshold)
	cfg.Jit.CacheMaxBlocks = *cacheBlocks
	cfg.Jit.CacheMaxBytes = *cacheBytes
	cfg.DeliverExceptions = *deliverExc
	cfg.SnapshotPath = *snapshotDB
	cfg.ProfilePath = *profileDir
	cfg.CompileWorker.Endpoint = *workerAddr
	cfg.CompileWorker.Token = *workerToken
	cfg.OnError = func(err error) {
		log.Printf("Warning: %v", err)
	}
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	if *consolePort != 0 {
		cfg.IO = &consoleIO{port: uint16(*consolePort), out: out}
	}

	m, err := machine.New(&cfg)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	if *imagePath != "" {
		image, err := os.ReadFile(*imagePath)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		if err := m.LoadImage(*loadAddr, image); err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		log.Printf("Loaded %d bytes at %#x", len(image), *loadAddr)
	}
	m.ResetRealMode(uint16(*entryIP))

	if *restore != "" {
		if err := m.RestoreSnapshot(*restore); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		log.Printf("Restored snapshot %s at RIP %#x", *restore, m.State().RIP)
	}
	if *warmStart {
		n, err := m.WarmStart()
		if err != nil {
			return fmt.Errorf("warm start: %w", err)
		}
		log.Printf("Warm start seeded %d entries", n)
	}

	log.Printf("Starting tiercore %s (jit=%v, worker=%q)", Version, cfg.Jit.Enabled, *workerAddr)
	res, err := run(ctx, m)
	out.Flush()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("Run ended: %s %s", res.Kind, res.Detail)
	logStats(m, res)

	if *profileDir != "" {
		n, err := m.SaveProfile()
		if err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		log.Printf("Saved %d profile entries", n)
	}
	if *saveAs != "" {
		id, err := m.SaveSnapshot(*saveAs)
		if err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		log.Printf("Saved snapshot %s as %s", *saveAs, id)
	}
	return nil
}

// run drives the machine in slices, logging progress every hundred
// slices.
func run(ctx context.Context, m *machine.Machine) (machine.RunResult, error) {
	if *maxBlocks == 0 {
		return m.Run(ctx, *sliceBlocks)
	}

	var total machine.RunResult
	for slices := 1; total.ExecutedBlocks < *maxBlocks; slices++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		budget := *sliceBlocks
		if left := *maxBlocks - total.ExecutedBlocks; left < budget {
			budget = left
		}
		res := m.RunBlocks(budget)
		total.Kind, total.Detail, total.Exception = res.Kind, res.Detail, res.Exception
		total.ExecutedBlocks += res.ExecutedBlocks
		total.InterpBlocks += res.InterpBlocks
		total.JitBlocks += res.JitBlocks
		if res.Kind != machine.RunCompleted {
			break
		}
		if _, err := m.ServiceCompiles(ctx); err != nil {
			return total, err
		}
		if slices%100 == 0 {
			log.Printf("Status: blocks=%d jit=%d rip=%#x", total.ExecutedBlocks, total.JitBlocks, m.State().RIP)
		}
	}
	return total, nil
}

func logStats(m *machine.Machine, res machine.RunResult) {
	st := m.Stats()
	log.Printf("Blocks: total=%d interp=%d jit=%d fallbacks=%d", res.ExecutedBlocks, res.InterpBlocks, res.JitBlocks, st.Dispatcher.Fallbacks)
	log.Printf("Instructions retired: %d", st.InstRetired)
	log.Printf("Compiles: ok=%d declined=%d failed=%d cached=%d (%d bytes)",
		st.Compiles, st.CompilesDeclined, st.CompileFailures, st.CacheBlocks, st.CacheBytes)
	log.Printf("Cache: lookups=%d hits=%d stale=%d evictions=%d rollback_evictions=%d",
		st.Runtime.Lookups, st.Runtime.Hits, st.Runtime.StaleEvictions, st.Runtime.LRUEvictions, st.Runtime.RollbackEvictions)
	log.Printf("Backend: committed=%d rolled_back=%d", st.Backend.Committed, st.Backend.RolledBack)
}

// consoleIO prints bytes written to one port, the usual debug console.
// Every other port floats high.
type consoleIO struct {
	port uint16
	out  *bufio.Writer
}

func (c *consoleIO) In(_ uint16, size int) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return 1<<(8*size) - 1
}

func (c *consoleIO) Out(port uint16, _ int, v uint32) {
	if port == c.port {
		c.out.WriteByte(byte(v))
	}
}
