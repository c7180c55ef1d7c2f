package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/config"
	"github.com/peyvand-edu/sabt-core/pkg/export"
	"github.com/peyvand-edu/sabt-core/pkg/kvstore"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
	"github.com/peyvand-edu/sabt-core/pkg/signing"
)

type doctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `sabt doctor`: configuration and dependency
// checks plus an offline pipeline self-test.
//
// Exit codes:
//
//	0 = all checks pass (warnings allowed)
//	3 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	var results []doctorCheck
	allOK := true

	ctx := context.Background()

	// Check 1: configuration parses
	cfg, err := config.Load()
	if err != nil {
		results = append(results, doctorCheck{Name: "config", Status: "fail", Detail: err.Error()})
		printDoctor(stdout, results)
		return 3
	}
	results = append(results, doctorCheck{
		Name:   "config",
		Status: "ok",
		Detail: fmt.Sprintf("namespace %s, addr %s", cfg.Namespace, cfg.Addr),
	})

	// Check 2: timezone
	loc, err := cfg.Location()
	if err != nil {
		results = append(results, doctorCheck{Name: "timezone", Status: "fail", Detail: err.Error()})
		allOK = false
		loc = clock.DefaultZone()
	} else {
		results = append(results, doctorCheck{Name: "timezone", Status: "ok", Detail: loc.String()})
	}

	// Check 3: signing keys
	if _, statErr := os.Stat(cfg.SigningKeysPath); statErr != nil {
		if cfg.Production {
			results = append(results, doctorCheck{
				Name:   "signing_keys",
				Status: "fail",
				Detail: fmt.Sprintf("%s missing (required in production)", cfg.SigningKeysPath),
			})
			allOK = false
		} else {
			results = append(results, doctorCheck{
				Name:   "signing_keys",
				Status: "warn",
				Detail: fmt.Sprintf("%s missing (generated on first serve)", cfg.SigningKeysPath),
			})
		}
	} else if ks, loadErr := signing.LoadKeySet(cfg.SigningKeysPath); loadErr != nil {
		results = append(results, doctorCheck{Name: "signing_keys", Status: "fail", Detail: loadErr.Error()})
		allOK = false
	} else {
		results = append(results, doctorCheck{
			Name:   "signing_keys",
			Status: "ok",
			Detail: fmt.Sprintf("%d key(s), active %s", len(ks.Keys()), ks.Active().KID),
		})
	}

	// Check 4: shared store
	if cfg.RedisURL == "" {
		results = append(results, doctorCheck{
			Name:   "redis",
			Status: "warn",
			Detail: "SABT_REDIS_URL not set (rate limits and idempotency stay in-process)",
		})
	} else if rdb, dialErr := kvstore.OpenURL(cfg.RedisURL); dialErr != nil {
		results = append(results, doctorCheck{Name: "redis", Status: "fail", Detail: dialErr.Error()})
		allOK = false
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if pingErr := rdb.Ping(pingCtx); pingErr != nil {
			results = append(results, doctorCheck{Name: "redis", Status: "fail", Detail: pingErr.Error()})
			allOK = false
		} else {
			results = append(results, doctorCheck{Name: "redis", Status: "ok", Detail: "ping succeeded"})
		}
		cancel()
		_ = rdb.Close()
	}

	// Check 5: database
	if cfg.LiteMode() {
		results = append(results, doctorCheck{
			Name:   "database",
			Status: "warn",
			Detail: fmt.Sprintf("DATABASE_URL not set (lite mode, sqlite at %s)", cfg.SQLitePath),
		})
	} else if db, openErr := sql.Open("postgres", cfg.DatabaseURL); openErr != nil {
		results = append(results, doctorCheck{Name: "database", Status: "fail", Detail: openErr.Error()})
		allOK = false
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if pingErr := db.PingContext(pingCtx); pingErr != nil {
			results = append(results, doctorCheck{Name: "database", Status: "fail", Detail: pingErr.Error()})
			allOK = false
		} else {
			results = append(results, doctorCheck{Name: "database", Status: "ok", Detail: "ping succeeded"})
		}
		cancel()
		_ = db.Close()
	}

	// Check 6: export directory
	if _, statErr := os.Stat(cfg.ExportDir); statErr != nil {
		results = append(results, doctorCheck{
			Name:   "export_dir",
			Status: "warn",
			Detail: fmt.Sprintf("%s does not exist (created on first run)", cfg.ExportDir),
		})
	} else {
		results = append(results, doctorCheck{Name: "export_dir", Status: "ok", Detail: cfg.ExportDir})
	}

	// Check 7: offline pipeline self-test
	if selfErr := pipelineSelfTest(ctx, loc); selfErr != nil {
		results = append(results, doctorCheck{Name: "pipeline", Status: "fail", Detail: selfErr.Error()})
		allOK = false
	} else {
		results = append(results, doctorCheck{Name: "pipeline", Status: "ok", Detail: "2-row export written and verified"})
	}

	printDoctor(stdout, results)

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed. Ready to export.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 3
}

func printDoctor(stdout io.Writer, results []doctorCheck) {
	fmt.Fprintf(stdout, "\n%sSabt Doctor%s\n", ColorBold+ColorPurple, ColorReset)
	fmt.Fprintln(stdout, "───────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "  %s  %-14s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}
}

// pipelineSelfTest pushes two fixture rows through the real export
// pipeline into a temp dir, then verifies the output against its own
// manifest. Catches broken tzdata, filesystems that lose fsync+rename,
// and bad builds before they reach a real export.
func pipelineSelfTest(ctx context.Context, loc *time.Location) error {
	dir, err := os.MkdirTemp("", "sabt-doctor-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	rows := rowsource.SliceSource{
		doctorRow("0012345678", "993731111"),
		doctorRow("0012345686", "993732222"),
	}
	clk := clock.System(loc)
	log := obslog.New(io.Discard, obslog.Options{Service: "sabt-doctor"})
	exp := export.New(rows, nil, clk, clock.SystemSleeper{}, log, metrics.New("doctor"))

	snap := export.Snapshot{Marker: "doctor", CreatedAt: clk.Now()}
	res, err := exp.Run(ctx, dir, rowsource.Filters{Year: 1403}, export.Options{}, snap, "doctor")
	if err != nil {
		return err
	}
	if _, err := export.Verify(res.Dir); err != nil {
		return fmt.Errorf("verify-back: %w", err)
	}
	return nil
}

func doctorRow(nationalID, counter string) rowsource.Row {
	return rowsource.Row{
		NationalID:     nationalID,
		Counter:        counter,
		FirstName:      "Sara",
		LastName:       "Ahmadi",
		Gender:         0,
		Mobile:         "09123456789",
		RegCenter:      1,
		RegStatus:      0,
		GroupCode:      "A",
		MentorID:       "150",
		MentorName:     "Karimi",
		MentorMobile:   "09351234567",
		AllocationDate: time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC),
		YearCode:       "1403",
	}
}
