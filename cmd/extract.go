package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clinical-extractor/internal/model"
)

var (
	extractFile       string
	extractRequestID  string
	extractPatientRef string
	extractRecord     bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [text]",
	Short: "Extract entities from one clinical note",
	Long:  "Runs the tiered cascade on a single note read from the argument, --file, or stdin, and prints the result as JSON.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		text, err := readNote(args, extractFile, cmd.InOrStdin())
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.Request{
			RequestID:        extractRequestID,
			ClinicalText:     text,
			PatientReference: extractPatientRef,
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}

		res := env.Pipeline.Run(ctx, req)

		if extractRecord {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			env.Store = st
			rec := model.NewRunRecord(res)
			if err := st.SaveRun(ctx, rec); err != nil {
				return eris.Wrap(err, "record run")
			}
			zap.L().Info("run recorded", zap.String("id", rec.ID))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

// readNote returns the note text from the positional argument, a file
// ("-" means stdin), or stdin when neither is given.
func readNote(args []string, file string, stdin io.Reader) (string, error) {
	if len(args) > 0 && file != "" {
		return "", eris.New("pass the note as an argument or --file, not both")
	}
	if len(args) > 0 {
		return args[0], nil
	}

	var r io.Reader = stdin
	if file != "" && file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return "", eris.Wrapf(err, "open %s", file)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", eris.Wrap(err, "read note")
	}
	return string(b), nil
}

func init() {
	extractCmd.Flags().StringVarP(&extractFile, "file", "f", "", "read the note from a file (- for stdin)")
	extractCmd.Flags().StringVar(&extractRequestID, "request-id", "", "request id (generated when empty)")
	extractCmd.Flags().StringVar(&extractPatientRef, "patient-ref", "", "opaque patient reference")
	extractCmd.Flags().BoolVar(&extractRecord, "record", false, "save the run to the audit store")
	rootCmd.AddCommand(extractCmd)
}
