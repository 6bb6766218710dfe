package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/danmuck/tensorpool/internal/admin"
	"github.com/danmuck/tensorpool/internal/config"
	"github.com/danmuck/tensorpool/internal/consumer"
	"github.com/danmuck/tensorpool/internal/driverclient"
	"github.com/danmuck/tensorpool/internal/localdriver"
	"github.com/danmuck/tensorpool/internal/producer"
	"github.com/danmuck/tensorpool/internal/protocol/schema"
	"github.com/danmuck/tensorpool/internal/transport/loopback"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	Dir       string
	Frames    int
	Width     int
	Interval  time.Duration
	AdminAddr string
}

type demoResult struct {
	Published int
	Read      int
	Unstable  int
	DropsGap  uint64
	DropsLate uint64
}

func demoCmd() *cobra.Command {
	var opts demoOptions
	cmd := &cobra.Command{
		Use:          "demo",
		Short:        "run a producer and consumer against an in-process driver",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Dir == "" {
				dir, err := os.MkdirTemp("", "tpool-demo-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				opts.Dir = dir
			}
			res, err := runDemo(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), res)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&opts.Dir, "dir", "d", "", "region directory (defaults to a temp dir)")
	fs.IntVarP(&opts.Frames, "frames", "n", 100, "frames to publish")
	fs.IntVarP(&opts.Width, "width", "w", 64, "float32 values per frame")
	fs.DurationVarP(&opts.Interval, "interval", "i", 0, "delay between frames")
	fs.StringVar(&opts.AdminAddr, "admin", "", "also serve the admin API on this address")
	return cmd
}

func writeResult(w io.Writer, res demoResult) error {
	_, err := fmt.Fprintf(w, "published=%d read=%d unstable=%d drops_gap=%d drops_late=%d\n",
		res.Published, res.Read, res.Unstable, res.DropsGap, res.DropsLate)
	return err
}

func runDemo(ctx context.Context, opts demoOptions) (demoResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Width <= 0 || opts.Width*4 > 4096 {
		return demoResult{}, fmt.Errorf("demo width %d must fit one 4096-byte slot", opts.Width)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := loopback.New()
	driver, err := localdriver.New(bus, localdriver.DefaultConfig(opts.Dir))
	if err != nil {
		return demoResult{}, err
	}
	defer driver.Close()
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		_ = driver.Run(ctx)
	}()
	defer func() {
		cancel()
		<-driverDone
	}()

	var board *admin.Server
	if opts.AdminAddr != "" {
		board = admin.New(admin.Config{ID: "tpool-demo", Addr: opts.AdminAddr})
		go func() {
			if err := board.Serve(); err != nil {
				log.Error().Err(err).Msg("demo admin server stopped")
			}
		}()
	}

	cfg := config.DefaultClientConfig()
	cfg.Session.KeepaliveInterval = 250 * time.Millisecond
	pcfg := cfg
	pcfg.ClientID, pcfg.Role = 1, schema.RoleProducer
	ccfg := cfg
	ccfg.ClientID, ccfg.Role = 2, schema.RoleConsumer

	pclient, err := driverclient.New(bus, pcfg.DriverClient())
	if err != nil {
		return demoResult{}, err
	}
	defer pclient.Close()
	cclient, err := driverclient.New(bus, ccfg.DriverClient())
	if err != nil {
		return demoResult{}, err
	}
	defer cclient.Close()

	// The consumer goes first so the descriptor stream has a subscriber.
	cons, err := consumer.Attach(ctx, cclient, bus, ccfg.Consumer())
	if err != nil {
		return demoResult{}, err
	}
	defer cons.Close()
	prodCfg := pcfg.Producer()
	prodCfg.SourceName = "demo"
	prodCfg.SourceSummary = fmt.Sprintf("float32[%d] ramp", opts.Width)
	prod, err := producer.Attach(ctx, pclient, bus, prodCfg)
	if err != nil {
		return demoResult{}, err
	}
	defer prod.Close()
	if err := prod.SetAttribute("units", "ascii", []byte("counts")); err != nil {
		return demoResult{}, err
	}

	var res demoResult
	tensor := schema.TensorHeader{
		Dtype:      schema.DtypeFloat32,
		MajorOrder: schema.MajorOrderRow,
		NDims:      1,
		Dims:       [schema.MaxDims]uint32{uint32(opts.Width)},
		Strides:    [schema.MaxDims]uint32{4},
	}
	payload := make([]byte, opts.Width*4)
	for i := 0; i < opts.Frames; i++ {
		fillRamp(payload, i)
		if _, err := prod.Offer(payload, tensor); err != nil {
			return res, fmt.Errorf("demo offer %d: %w", i, err)
		}
		res.Published++
		if _, err := prod.DoWork(); err != nil {
			return res, err
		}
		if _, err := cons.DoWork(); err != nil {
			return res, err
		}
		if _, err := cons.Poll(0); err != nil {
			return res, err
		}
		f, err := cons.TryReadFrame()
		switch {
		case err == nil:
			if !bytes.Equal(f.Payload, payload) || !cons.Stable(f) {
				res.Unstable++
			} else {
				res.Read++
			}
		case consumer.Retryable(err):
		default:
			return res, fmt.Errorf("demo read %d: %w", i, err)
		}
		if board != nil {
			report(board, prod, cons)
		}
		if opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(opts.Interval):
			}
		}
	}
	res.DropsGap, res.DropsLate = cons.Drops()

	if err := prod.Detach(ctx); err != nil {
		return res, err
	}
	if err := cons.Detach(ctx); err != nil {
		return res, err
	}
	log.Info().Int("published", res.Published).Int("read", res.Read).Msg("demo finished")
	return res, nil
}

func fillRamp(buf []byte, frame int) {
	for i := 0; i*4 < len(buf); i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(frame)+float32(i)/10))
	}
}

func report(board *admin.Server, prod *producer.Producer, cons *consumer.Consumer) {
	pl := prod.Lease()
	board.Report(admin.Status{
		Name: "producer", Role: "producer", StreamID: pl.StreamID, LeaseID: pl.LeaseID,
		Epoch: pl.Epoch, Phase: prod.Phase().String(), Seq: prod.NextSeq(),
	})
	cl := cons.Lease()
	gap, late := cons.Drops()
	board.Report(admin.Status{
		Name: "consumer", Role: "consumer", StreamID: cl.StreamID, LeaseID: cl.LeaseID,
		Epoch: cl.Epoch, Phase: cons.Phase().String(), DropsGap: gap, DropsLate: late,
	})
}
