package main

/* ingest syncs the point CSVs exported to a Google Drive folder into the
   point table the sugarcane-locations table layers read. Files already
   synced at their current modifiedTime are skipped.

   Points already in the table are updated with an upsert on (lat, lng),
   so the table needs a unique constraint on those columns:

       alter table sugarcane_data add unique (lat, lng); */

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hrsage/sage/source"
	"github.com/hrsage/sage/store"
	"github.com/hrsage/sage/utils"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/terminal"
)

var (
	folderID     = flag.String("folder", os.Getenv("SAGE_DRIVE_FOLDER_ID"), "Drive folder holding the CSV exports.")
	tableName    = flag.String("table", "sugarcane_data", "Point table to sync into.")
	trackingFile = flag.String("tracking", "uploaded_files.json", "File recording the synced modifiedTime of each Drive file.")
	credsFile    = flag.String("credentials", "sa.json", "Drive service account key.")
	dsn          = flag.String("dsn", os.Getenv("SAGE_DATABASE_DSN"), "Postgres connection string.")
	envFile      = flag.String("env", ".env", "Optional file of environment variables.")
	batchSize    = flag.Int("batch", 100, "Rows per insert or update statement.")
	verbose      = flag.Bool("v", false, "Verbose mode for more outputs.")
)

// withPassword sets the password of a URL or key=value connection string.
func withPassword(dsn, password string) string {
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		name := ""
		if u.User != nil {
			name = u.User.Username()
		}
		u.User = url.UserPassword(name, password)
		return u.String()
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(password)
	return fmt.Sprintf("%s password='%s'", dsn, escaped)
}

func hasPassword(dsn string) bool {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			return true
		}
	}
	return strings.Contains(dsn, "password=") || len(os.Getenv("PGPASSWORD")) > 0
}

// ensureCredentials writes the key held in GOOGLE_DRIVE_CREDENTIALS_JSON
// to path when the file does not exist yet.
func ensureCredentials(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	creds := os.Getenv("GOOGLE_DRIVE_CREDENTIALS_JSON")
	if len(creds) == 0 {
		return nil
	}
	return os.WriteFile(path, []byte(creds), 0600)
}

func main() {
	flag.Parse()

	logger, err := utils.NewLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(*envFile); err == nil {
		// flags default from the environment before .env is read
		if len(*folderID) == 0 {
			*folderID = os.Getenv("SAGE_DRIVE_FOLDER_ID")
		}
		if len(*dsn) == 0 {
			*dsn = os.Getenv("SAGE_DATABASE_DSN")
		}
	}
	if len(*folderID) == 0 || len(*dsn) == 0 {
		logger.Fatal("both -folder and -dsn are required")
	}

	if !hasPassword(*dsn) && terminal.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "database password: ")
		pw, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			logger.Fatal("reading password", zap.Error(err))
		}
		*dsn = withPassword(*dsn, string(pw))
	}

	if err := ensureCredentials(*credsFile); err != nil {
		logger.Fatal("writing drive credentials", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drive, err := source.NewDriveStore(ctx, &utils.SourceConfig{FolderID: *folderID, CredentialsFile: *credsFile})
	if err != nil {
		logger.Fatal("drive", zap.Error(err))
	}
	db, err := store.Open(*dsn, 4)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer db.Close()

	s := &Syncer{
		Files:        drive,
		Table:        store.NewPostgres(db),
		TableName:    *tableName,
		TrackingPath: *trackingFile,
		BatchSize:    *batchSize,
		Progress:     terminal.IsTerminal(int(os.Stderr.Fd())),
	}
	rep, err := s.Run(ctx)
	if err != nil {
		logger.Fatal("sync failed", zap.Error(err))
	}
	logger.Info("sync done",
		zap.Int("files", rep.Files),
		zap.Int("skipped", rep.Skipped),
		zap.Int("rows", rep.Rows),
		zap.Int("updated", rep.Updated),
		zap.Int("inserted", rep.Inserted),
		zap.Int("failed_batches", rep.FailedBatches))
}
