package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/kong"

	"github.com/block/telespool/internal/envelope"
	"github.com/block/telespool/internal/logging"
	"github.com/block/telespool/internal/reports"
	"github.com/block/telespool/internal/transport"
)

type CLI struct {
	LoggingConfig logging.Config `embed:"" prefix:"log-"`

	CacheDir string `help:"Spool cache directory." required:"" type:"path"`
	DSN      string `help:"DSN identifying the spool (and the upstream for flush)."`

	List    ListCmd    `cmd:"" help:"List envelopes awaiting transmission." group:"Inspection:"`
	Report  ReportCmd  `cmd:"" help:"Show counters of discarded envelopes." group:"Inspection:"`
	Reclaim ReclaimCmd `cmd:"" help:"Return envelopes stranded mid-send to the ready set." group:"Operations:"`
	Flush   FlushCmd   `cmd:"" help:"Drain the spool through the upstream ingestion endpoint." group:"Operations:"`
	Send    SendCmd    `cmd:"" help:"Queue an envelope file into the spool." group:"Operations:"`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli, kong.UsageOnError(), kong.HelpOptions{Compact: true}, kong.DefaultEnvars("TELESPOOL"), kong.Bind(&cli))
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, cli.LoggingConfig)

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(ctx))
}

type ListCmd struct{}

func (c *ListCmd) Run(cli *CLI) error {
	spool := transport.OpenSpool(cli.CacheDir, cli.DSN)

	ready, err := spool.ListReady()
	if err != nil {
		return errors.Wrap(err, "failed to list spool")
	}
	for _, path := range ready {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		fmt.Printf("%s\t%d\n", filepath.Base(path), info.Size()) //nolint:forbidigo
	}

	processing, err := spool.ListProcessing()
	if err != nil {
		return errors.Wrap(err, "failed to list processing")
	}
	for _, path := range processing {
		fmt.Printf("%s\t(processing)\n", filepath.Base(path)) //nolint:forbidigo
	}
	return nil
}

type ReportCmd struct{}

func (c *ReportCmd) Run(ctx context.Context, cli *CLI) error {
	spool := transport.OpenSpool(cli.CacheDir, cli.DSN)
	recorder, err := reports.Open(filepath.Join(spool.Root(), "reports.db"), logging.FromContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to open report database")
	}
	defer recorder.Close()

	counts, err := recorder.Snapshot()
	if err != nil {
		return errors.Wrap(err, "failed to read report counters")
	}
	for reason, count := range counts {
		fmt.Printf("%s\t%d\n", reason, count) //nolint:forbidigo
	}
	return nil
}

type ReclaimCmd struct{}

func (c *ReclaimCmd) Run(cli *CLI) error {
	spool := transport.OpenSpool(cli.CacheDir, cli.DSN)
	return errors.Wrap(spool.ReclaimProcessing(), "failed to reclaim")
}

type FlushCmd struct {
	Timeout time.Duration `help:"Give up after this long." default:"30s"`
}

func (c *FlushCmd) Run(ctx context.Context, cli *CLI) error {
	if cli.DSN == "" {
		return errors.New("flush requires --dsn")
	}

	inner, err := transport.NewHTTP(ctx, cli.DSN, transport.HTTPConfig{})
	if err != nil {
		return errors.WithStack(err)
	}
	caching, err := transport.NewCaching(ctx, inner, transport.Options{
		DSN:      cli.DSN,
		CacheDir: cli.CacheDir,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	defer caching.Close()

	flushCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	if err := caching.Flush(flushCtx); err != nil {
		return errors.Wrap(err, "flush did not complete")
	}
	return nil
}

type SendCmd struct {
	Input *os.File `arg:"" help:"Envelope file to queue (default: stdin)." default:"-"`
}

func (c *SendCmd) Run(ctx context.Context, cli *CLI) error {
	defer c.Input.Close()

	env, err := envelope.Parse(c.Input)
	if err != nil {
		return errors.Wrap(err, "failed to parse envelope")
	}

	spool := transport.OpenSpool(cli.CacheDir, cli.DSN)
	path, err := spool.Store(ctx, env)
	if err != nil {
		return errors.Wrap(err, "failed to queue envelope")
	}
	fmt.Println(filepath.Base(path)) //nolint:forbidigo
	return nil
}
