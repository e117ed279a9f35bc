package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/clinical-extractor/internal/model"
)

var (
	batchInput  string
	batchOutput string
	batchLimit  int
	batchRecord bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Extract entities from a JSONL file of requests",
	Long:  "Reads one request per line ({\"request_id\", \"clinical_text\", \"patient_reference\"}) and writes one result per line in input order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		in, closeIn, err := openInput(batchInput, cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer closeIn() //nolint:errcheck

		reqs, err := readRequests(in)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := processBatch(ctx, reqs, batchLimit, cfg.Batch.MaxConcurrent, env.Pipeline.Run)
		if err != nil {
			return err
		}

		if batchRecord {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			env.Store = st
			recs := make([]*model.RunRecord, 0, len(results))
			for _, res := range results {
				recs = append(recs, model.NewRunRecord(res))
			}
			if err := st.SaveRuns(ctx, recs); err != nil {
				return eris.Wrap(err, "record runs")
			}
			zap.L().Info("runs recorded", zap.Int("count", len(recs)))
		}

		out := cmd.OutOrStdout()
		if batchOutput != "" && batchOutput != "-" {
			f, err := os.Create(batchOutput)
			if err != nil {
				return eris.Wrapf(err, "create %s", batchOutput)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		return writeResults(out, results)
	},
}

func init() {
	batchCmd.Flags().StringVarP(&batchInput, "input", "i", "-", "JSONL request file (- for stdin)")
	batchCmd.Flags().StringVarP(&batchOutput, "output", "o", "-", "JSONL result file (- for stdout)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of requests to process (0 for all)")
	batchCmd.Flags().BoolVar(&batchRecord, "record", false, "save every run to the audit store")
	rootCmd.AddCommand(batchCmd)
}

func openInput(path string, stdin io.Reader) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "open %s", path)
	}
	return f, f.Close, nil
}

// readRequests parses JSONL requests. Blank lines are skipped and malformed
// lines are logged and dropped. Requests without an id get a fresh one.
func readRequests(r io.Reader) ([]model.Request, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var reqs []model.Request
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var req model.Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			zap.L().Warn("batch: skipping malformed line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}
		reqs = append(reqs, req)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "batch: read input")
	}
	return reqs, nil
}

// runFunc is the callback signature for running the cascade on one request.
type runFunc func(ctx context.Context, req model.Request) *model.ExtractionResult

// processBatch applies limit, then runs requests concurrently. Results keep
// the input order.
func processBatch(ctx context.Context, reqs []model.Request, limit, concurrency int, run runFunc) ([]*model.ExtractionResult, error) {
	if len(reqs) == 0 {
		zap.L().Info("batch: no requests")
		return nil, nil
	}
	if limit > 0 && len(reqs) > limit {
		reqs = reqs[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("requests", len(reqs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make([]*model.ExtractionResult, len(reqs))
	var escalated, denied atomic.Int64

	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := run(gctx, req)
			results[i] = res
			if res.HighestTierUsed == model.TierC || res.HighestTierUsed == model.TierD {
				escalated.Add(1)
			}
			if res.EscalationDenied {
				denied.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int("processed", len(results)),
		zap.Int64("escalated", escalated.Load()),
		zap.Int64("budget_denied", denied.Load()),
	)
	return results, nil
}

func writeResults(w io.Writer, results []*model.ExtractionResult) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "batch: write result")
		}
	}
	return bw.Flush()
}
