// Package main provides the CSV bulk import command.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/archive"
	"github.com/drfirst/go-hms/internal/client"
	"github.com/drfirst/go-hms/internal/config"
	"github.com/drfirst/go-hms/internal/csvimport"
	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/internal/export"
	"github.com/drfirst/go-hms/internal/importer"
	"github.com/drfirst/go-hms/internal/mirror"
	"github.com/drfirst/go-hms/internal/observability/logging"
	"github.com/drfirst/go-hms/internal/observability/tracing"
	"github.com/drfirst/go-hms/internal/upload"
	"github.com/drfirst/go-hms/pkg/circuitbreaker"
)

const (
	serviceName    = "hms-import"
	serviceVersion = "1.0.0"
)

// errImportFailed makes the process exit non-zero after the report was printed
var errImportFailed = errors.New("import failed")

// options are the per-run flags that have no environment counterpart
type options struct {
	kind     string
	file     string
	exportTo string
	runID    string
	dryRun   bool
	noMirror bool
}

func main() {
	v := config.New()
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   serviceName + " --kind patients --file patients.csv",
		Short: "Validate a CSV export and upload it to the hospital API",
		Long: `Reads a patients, visits or prescriptions CSV file, validates every row
against the records already stored by the API and uploads the accepted rows
in chunks. Rejected rows are listed with their line number.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.kind, "kind", "k", "", "Collection to import: patients, visits or prescriptions")
	flags.StringVarP(&opts.file, "file", "f", "", "CSV file to import")
	flags.StringVar(&opts.exportTo, "export", "", "Write the accepted records to this Parquet file")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Validate only, upload nothing")
	flags.StringVar(&opts.runID, "run-id", "", "Scope of the chunk idempotency keys, derived from the file when empty")
	flags.BoolVar(&opts.noMirror, "no-mirror", false, "Validate against an empty snapshot instead of loading the API collections")
	flags.String("api-url", "", "API base URL")
	flags.String("api-key", "", "API key")
	flags.String("username", "", "Login name, used when no API key is set")
	flags.String("password", "", "Password for --username")
	flags.String("policy", "", "Chunk failure policy: stop or continue")
	flags.Int("chunk-size", 0, "Records per bulk request")
	flags.String("doctor", "", "Issuing doctor of a prescriptions import")
	flags.String("archive-bucket", "", "S3 bucket receiving the source file and the report")
	_ = rootCmd.MarkFlagRequired("kind")
	_ = rootCmd.MarkFlagRequired("file")

	for key, flag := range map[string]string{
		"API_URL":        "api-url",
		"API_KEY":        "api-key",
		"HMS_USERNAME":   "username",
		"HMS_PASSWORD":   "password",
		"UPLOAD_POLICY":  "policy",
		"CHUNK_SIZE":     "chunk-size",
		"DOCTOR_ID":      "doctor",
		"ARCHIVE_BUCKET": "archive-bucket",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errImportFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper, opts *options) error {
	cfg, err := config.LoadImport(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := upload.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}
	kind, err := hospital.ParseKind(opts.kind)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tp, err := tracing.Start(ctx, tracing.Settings{
		Service:  serviceName,
		Version:  serviceVersion,
		Env:      cfg.Env,
		Endpoint: cfg.OTLPEndpoint,
		Ratio:    1,
	})
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	text, err := csvimport.ReadFile(opts.file)
	if err != nil {
		return err
	}
	data := []byte(text)

	runID := uuid.New().String()
	keyScope := chunkKeyScope(opts.runID, kind, cfg.DoctorID, data)
	logger = logger.With(zap.String("run_id", runID), zap.String("key_scope", keyScope))

	api, err := client.New(client.Config{
		BaseURL: cfg.APIURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}, circuitbreaker.NewManager(nil, logger), logger)
	if err != nil {
		return err
	}
	if cfg.APIKey == "" && cfg.Username != "" {
		if err := api.Login(ctx, cfg.Username, cfg.Password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	store := mirror.New()
	if !opts.noMirror {
		if err := store.Load(ctx, mirror.APISource{Client: api}, mirror.LoadConfig(), logger); err != nil {
			return fmt.Errorf("load existing records: %w", err)
		}
		counts := store.Counts()
		logger.Info("existing records loaded",
			zap.Int("patients", counts[hospital.KindPatient]),
			zap.Int("doctors", counts[hospital.KindDoctor]),
			zap.Int("visits", counts[hospital.KindVisit]),
			zap.Int("prescriptions", counts[hospital.KindPrescription]))
	}

	runCfg := importer.Config{
		Upload: upload.Config{
			ChunkSize: cfg.ChunkSize,
			Policy:    policy,
			RunID:     keyScope,
			OnChunkError: func(ce upload.ChunkError) {
				fmt.Fprintf(os.Stderr, "chunk %d (records %d-%d) failed: %s\n",
					ce.Index+1, ce.Offset+1, ce.Offset+ce.Size, ce.Message())
			},
		},
		DryRun: opts.dryRun,
		OnTransition: func(from, to importer.State) {
			logger.Debug("import state", zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}

	j := job{
		name:   filepath.Base(opts.file),
		data:   data,
		runID:  runID,
		cfg:    cfg,
		opts:   opts,
		api:    api,
		store:  store,
		runCfg: runCfg,
		logger: logger,
	}
	switch kind {
	case hospital.KindPatient:
		return execute(ctx, j, csvimport.PatientSchema())
	case hospital.KindVisit:
		return execute(ctx, j, csvimport.VisitSchema())
	case hospital.KindPrescription:
		if cfg.DoctorID == "" {
			return errors.New("--doctor is required for prescriptions")
		}
		if _, ok := store.Doctor(cfg.DoctorID); !ok && !opts.noMirror {
			return fmt.Errorf("doctor %s not found", cfg.DoctorID)
		}
		return execute(ctx, j, csvimport.PrescriptionSchema(cfg.DoctorID))
	default:
		return fmt.Errorf("%s cannot be imported from CSV", kind)
	}
}

type job struct {
	name   string
	data   []byte
	runID  string
	cfg    *config.Import
	opts   *options
	api    *client.Client
	store  *mirror.Store
	runCfg importer.Config
	logger *zap.Logger
}

func execute[T hospital.Document](ctx context.Context, j job, schema *csvimport.Schema[T]) error {
	started := time.Now()
	r := importer.NewRun(schema, j.api, j.store, j.runCfg, j.logger)
	report, runErr := r.Execute(ctx, j.name, j.data)
	if report == nil {
		return runErr
	}

	printReport(report, schema.ColumnNames(), time.Since(started), j.opts.dryRun)

	if j.opts.exportTo != "" {
		n, err := export.WriteFile(j.opts.exportTo, report.Accepted)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d records to %s\n", n, j.opts.exportTo)
	}

	if j.cfg.ArchiveBucket != "" && !j.opts.dryRun {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:   j.cfg.ArchiveBucket,
			Prefix:   j.cfg.ArchivePrefix,
			Region:   j.cfg.AWSRegion,
			Endpoint: j.cfg.S3Endpoint,
		}, j.logger)
		if err != nil {
			return err
		}
		keys, err := arch.Run(ctx, j.runID, j.name, j.data, report)
		if err != nil {
			j.logger.Error("archive failed", zap.Error(err))
		}
		for _, k := range keys {
			fmt.Printf("Archived s3://%s/%s\n", j.cfg.ArchiveBucket, k)
		}
	}

	if runErr != nil {
		j.logger.Error("import failed", zap.Error(runErr))
		return errImportFailed
	}
	if len(report.Failures) > 0 {
		return errImportFailed
	}
	return nil
}

// chunkKeyScope returns the run ID the chunk idempotency keys are built
// from. Unless set explicitly it depends only on what is imported, so a
// rerun of the same file replays the chunks the API already accepted.
func chunkKeyScope(explicit string, kind hospital.Kind, doctorID string, data []byte) string {
	if explicit != "" {
		return explicit
	}
	if kind != hospital.KindPrescription {
		doctorID = ""
	}
	return upload.RunID(kind, doctorID, data)
}

func printReport[T any](report *importer.Report[T], columns []string, took time.Duration, dryRun bool) {
	s := report.Summary
	fmt.Printf("%s: %d rows, %d valid, %d invalid\n", report.File, s.Total, s.Valid, s.Invalid)
	for _, e := range report.Errors {
		fmt.Printf("  Row %d: %s\n", e.Row, e.Message)
	}

	switch {
	case dryRun:
		fmt.Println("Dry run, nothing uploaded")
	case s.Valid == 0:
		fmt.Println("No valid records to upload")
		if s.Invalid > 0 {
			fmt.Printf("Expected columns: %s\n", strings.Join(columns, ", "))
		}
	default:
		fmt.Printf("Uploaded %d %s in %d chunks (%s)\n", report.Saved, report.Kind, report.Chunks, took.Round(time.Millisecond))
		for _, f := range report.Failures {
			fmt.Printf("  Chunk %d (records %d-%d): %s\n", f.Chunk, f.Offset+1, f.Offset+f.Size, f.Message)
		}
	}
}
