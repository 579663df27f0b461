package cucumber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/juju/clock/testclock"
	"github.com/klauspost/compress/gzip"

	"github.com/GreedyKomodoDragon/collection-backup/internal/backup"
	"github.com/GreedyKomodoDragon/collection-backup/internal/retention"
	"github.com/GreedyKomodoDragon/collection-backup/internal/snapshot"
	"github.com/GreedyKomodoDragon/collection-backup/internal/source"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

const stepTimeLayout = "2006-01-02 15:04"

// TestContext holds the state of one scenario
type TestContext struct {
	source        *source.MemorySource
	store         *storage.MemoryStore
	clock         *testclock.Clock
	retentionDays int
	logger        *slog.Logger

	result   *backup.CycleResult
	cycleErr error
}

// NewTestContext creates a new test context
func NewTestContext() *TestContext {
	return &TestContext{
		source:        source.NewMemorySource(),
		store:         storage.NewMemoryStore("backups"),
		clock:         testclock.NewClock(time.Now().UTC()),
		retentionDays: 30,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// InitializeTestSuite initializes the cucumber test suite
func InitializeTestSuite(ctx *godog.TestSuiteContext) {
	ctx.BeforeSuite(func() {
		fmt.Println("Starting collection backup feature tests")
	})

	ctx.AfterSuite(func() {
		fmt.Println("Finished collection backup feature tests")
	})
}

// InitializeScenario initializes each cucumber scenario
func InitializeScenario(ctx *godog.ScenarioContext) {
	testCtx := NewTestContext()

	// Setup steps
	ctx.Step(`^the current time is "([^"]*)" UTC$`, testCtx.theCurrentTimeIs)
	ctx.Step(`^the retention window is (\d+) days$`, testCtx.theRetentionWindowIs)
	ctx.Step(`^the collection "([^"]*)" contains (\d+) documents$`, testCtx.theCollectionContainsDocuments)
	ctx.Step(`^the bucket already contains:$`, testCtx.theBucketAlreadyContains)
	ctx.Step(`^uploads to "([^"]*)" are rejected$`, testCtx.uploadsAreRejected)
	ctx.Step(`^the database is unreachable$`, testCtx.theDatabaseIsUnreachable)

	// Action steps
	ctx.Step(`^a backup of "([^"]*)" is performed$`, testCtx.aBackupIsPerformed)
	ctx.Step(`^the clock advances by (\d+) minutes$`, testCtx.theClockAdvancesBy)

	// Verification steps
	ctx.Step(`^the cycle should report (\d+) succeeded and (\d+) failed$`, testCtx.theCycleShouldReport)
	ctx.Step(`^the cycle should be aborted because the database is unavailable$`, testCtx.theCycleShouldBeAborted)
	ctx.Step(`^the bucket should contain exactly:$`, testCtx.theBucketShouldContainExactly)
	ctx.Step(`^the object "([^"]*)" should hold (\d+) documents$`, testCtx.theObjectShouldHoldDocuments)
	ctx.Step(`^the object "([^"]*)" should be stored as "([^"]*)" with encoding "([^"]*)"$`, testCtx.theObjectShouldBeStoredAs)
	ctx.Step(`^retention should have deleted (\d+) objects?$`, testCtx.retentionShouldHaveDeleted)
	ctx.Step(`^retention should not have run$`, testCtx.retentionShouldNotHaveRun)
}

func (tc *TestContext) theCurrentTimeIs(value string) error {
	now, err := time.ParseInLocation(stepTimeLayout, value, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid time %q: %v", value, err)
	}
	tc.clock = testclock.NewClock(now)
	return nil
}

func (tc *TestContext) theRetentionWindowIs(days int) error {
	tc.retentionDays = days
	return nil
}

func (tc *TestContext) theCollectionContainsDocuments(collection string, count int) error {
	for i := 0; i < count; i++ {
		doc := map[string]any{"_id": fmt.Sprintf("%s-%d", collection, i), "seq": i}
		if err := tc.source.AddDocuments(collection, doc); err != nil {
			return err
		}
	}
	return nil
}

func (tc *TestContext) theBucketAlreadyContains(table *godog.Table) error {
	for _, row := range table.Rows {
		tc.store.AddObject(row.Cells[0].Value, []byte("previous backup"))
	}
	return nil
}

func (tc *TestContext) uploadsAreRejected(path string) error {
	tc.store.FailPut(path, errors.New("access denied"))
	return nil
}

func (tc *TestContext) theDatabaseIsUnreachable() error {
	tc.source.SetUnavailable(true)
	return nil
}

func (tc *TestContext) aBackupIsPerformed(list string) error {
	var collections []string
	for _, c := range strings.Split(list, ",") {
		collections = append(collections, strings.TrimSpace(c))
	}

	orchestrator := backup.NewOrchestrator(
		snapshot.NewSerializer(tc.source, gzip.DefaultCompression),
		tc.store,
		retention.NewPruner(tc.store, time.UTC, tc.logger),
		tc.clock,
		backup.Options{RetentionDays: tc.retentionDays, Location: time.UTC},
		tc.logger,
	)

	tc.result, tc.cycleErr = orchestrator.PerformBackup(context.Background(), collections)
	return nil
}

func (tc *TestContext) theClockAdvancesBy(minutes int) error {
	tc.clock.Advance(time.Duration(minutes) * time.Minute)
	return nil
}

func (tc *TestContext) theCycleShouldReport(succeeded, failed int) error {
	if tc.cycleErr != nil {
		return fmt.Errorf("cycle returned an error: %v", tc.cycleErr)
	}
	if got := tc.result.Succeeded(); got != succeeded {
		return fmt.Errorf("expected %d succeeded collections, got %d", succeeded, got)
	}
	if got := tc.result.Failed(); got != failed {
		return fmt.Errorf("expected %d failed collections, got %d", failed, got)
	}
	return nil
}

func (tc *TestContext) theCycleShouldBeAborted() error {
	if !errors.Is(tc.cycleErr, source.ErrSourceUnavailable) {
		return fmt.Errorf("expected the cycle to abort with an unavailable source, got %v", tc.cycleErr)
	}
	return nil
}

func (tc *TestContext) theBucketShouldContainExactly(table *godog.Table) error {
	var want []string
	for _, row := range table.Rows {
		want = append(want, row.Cells[0].Value)
	}

	got := tc.store.Paths()
	if strings.Join(got, "\n") != strings.Join(sortedCopy(want), "\n") {
		return fmt.Errorf("bucket contents mismatch\nexpected: %v\ngot:      %v", sortedCopy(want), got)
	}
	return nil
}

func (tc *TestContext) theObjectShouldHoldDocuments(path string, count int) error {
	obj, ok := tc.store.Get(path)
	if !ok {
		return fmt.Errorf("object %s not found", path)
	}

	zr, err := gzip.NewReader(bytes.NewReader(obj.Data))
	if err != nil {
		return fmt.Errorf("object %s is not gzip: %v", path, err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("failed to decompress %s: %v", path, err)
	}

	var docs []json.RawMessage
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("object %s is not a JSON array: %v", path, err)
	}
	if len(docs) != count {
		return fmt.Errorf("expected %d documents in %s, got %d", count, path, len(docs))
	}
	return nil
}

func (tc *TestContext) theObjectShouldBeStoredAs(path, contentType, encoding string) error {
	obj, ok := tc.store.Get(path)
	if !ok {
		return fmt.Errorf("object %s not found", path)
	}
	if obj.Options.ContentType != contentType {
		return fmt.Errorf("expected content type %q, got %q", contentType, obj.Options.ContentType)
	}
	if obj.Options.ContentEncoding != encoding {
		return fmt.Errorf("expected content encoding %q, got %q", encoding, obj.Options.ContentEncoding)
	}
	return nil
}

func (tc *TestContext) retentionShouldHaveDeleted(count int) error {
	if tc.result == nil || tc.result.Prune == nil {
		return errors.New("retention did not run")
	}
	if got := len(tc.result.Prune.Deleted); got != count {
		return fmt.Errorf("expected %d deleted objects, got %d: %v", count, got, tc.result.Prune.Deleted)
	}
	return nil
}

func (tc *TestContext) retentionShouldNotHaveRun() error {
	if tc.result != nil && tc.result.Prune != nil {
		return fmt.Errorf("retention ran and deleted %v", tc.result.Prune.Deleted)
	}
	return nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
