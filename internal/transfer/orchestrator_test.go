package transfer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/soapctl/internal/donor"
	"github.com/danmuck/soapctl/internal/donor/memstore"
	"github.com/danmuck/soapctl/internal/profile"
	"github.com/danmuck/soapctl/internal/remote"
	"github.com/danmuck/soapctl/internal/testutil/fakeremote"
	"github.com/danmuck/soapctl/internal/testutil/fixture"
	"github.com/danmuck/soapctl/internal/testutil/testlog"
	"github.com/danmuck/soapctl/internal/transfer"
)

var epoch = time.Unix(1_800_000_000, 0)

const serial = "CW12345678"

type harness struct {
	orch   *transfer.Orchestrator
	client *fakeremote.Client
	store  *memstore.Store
}

func newHarness(t *testing.T, donors ...donor.Record) harness {
	t.Helper()
	store := memstore.Seed(donors...)
	return newHarnessWith(t, store, store, nil)
}

// newHarnessWith lets a test wrap the store or the remote client.
func newHarnessWith(t *testing.T, store *memstore.Store, repo donor.Repository, wrap func(remote.Client) remote.Client) harness {
	t.Helper()
	clock := func() time.Time { return epoch }
	client := &fakeremote.Client{LastMoved: epoch.Unix() - 30}
	var rc remote.Client = client
	if wrap != nil {
		rc = wrap(client)
	}
	pool := donor.NewPool(repo, donor.WithClock(clock))
	return harness{
		orch:   transfer.New(rc, pool, transfer.WithClock(clock)),
		client: client,
		store:  store,
	}
}

// brokenCommitStore fails every lease commit.
type brokenCommitStore struct {
	*memstore.Store
}

func (s brokenCommitStore) CommitLease(context.Context, string, string, []byte, int64) error {
	return errors.New("db connection lost")
}

func readyDonor(name string) donor.Record {
	return donor.Record{
		Name:            name,
		Profile:         fixture.Profile("JPN", "DN"+name),
		LastTransferred: epoch.Unix() - donor.CooldownSeconds - 10,
		Uploader:        "user:donor",
	}
}

func coolingDonor(name string) donor.Record {
	rec := readyDonor(name)
	rec.LastTransferred = epoch.Unix() - 3600
	return rec
}

func usaRequest() transfer.Request {
	return transfer.Request{
		RequestID:     "req-1",
		Name:          "mine",
		Profile:       fixture.Profile("USA", serial),
		ClaimedSerial: serial,
		Actor:         "user:1",
	}
}

func assertCalls(t *testing.T, client *fakeremote.Client, want ...string) {
	t.Helper()
	got := client.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("remote calls = %v, want %v", got, want)
	}
}

func lastStep(steps []string) string {
	if len(steps) == 0 {
		return ""
	}
	return steps[len(steps)-1]
}

func TestTransferDirectPathDeletesAccount(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, readyDonor("spare"))
	res, err := h.orch.Transfer(context.Background(), usaRequest())
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	assertCalls(t, h.client, remote.OpRegionChange+":JPN", remote.OpDeleteAcct, remote.OpClean)
	if res.Path != transfer.PathDirect || res.State != transfer.StateDone {
		t.Fatalf("unexpected path/state %s/%s", res.Path, res.State)
	}
	if res.Donor != "" {
		t.Fatalf("direct path consumed donor %q", res.Donor)
	}
	for _, step := range res.Steps {
		if strings.Contains(step, "spare") {
			t.Fatalf("step log mentions donor: %q", step)
		}
	}
	if lastStep(res.Steps) != "Done!" {
		t.Fatalf("unexpected final step %q", lastStep(res.Steps))
	}
	p, err := profile.Parse(res.Profile)
	if err != nil {
		t.Fatalf("result profile invalid: %v", err)
	}
	if p.Region != "JPN" {
		t.Fatalf("expected JPN profile, got %s", p.Region)
	}
	if h.store.Writes() != 0 {
		t.Fatalf("direct path wrote to repository %d times", h.store.Writes())
	}
}

func TestTransferStickyLockConsumesOneDonor(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, coolingDonor("cooling"), readyDonor("spare"), readyDonor("backup"))
	h.client.RegionChangeErrs = []error{fakeremote.Sticky()}

	res, err := h.orch.Transfer(context.Background(), usaRequest())
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	assertCalls(t, h.client, remote.OpRegionChange+":JPN", remote.OpTransfer, remote.OpClean)
	if res.Donor != "spare" || res.Path != transfer.PathDonor {
		t.Fatalf("unexpected donor/path %q/%s", res.Donor, res.Path)
	}
	found := false
	for _, step := range res.Steps {
		if step == "`spare` is now on cooldown" {
			found = true
		}
	}
	if !found {
		t.Fatalf("step log missing donor cooldown line: %v", res.Steps)
	}

	spare, err := h.store.Get(context.Background(), "spare")
	if err != nil {
		t.Fatalf("get spare: %v", err)
	}
	if spare.LastTransferred < epoch.Unix() {
		t.Fatalf("donor last_transferred %d not reset to completion time", spare.LastTransferred)
	}
	if spare.Reserved() {
		t.Fatalf("donor still leased after commit")
	}
	if !strings.Contains(string(spare.Profile), `"donated":true`) {
		t.Fatalf("donor profile not replaced: %s", spare.Profile)
	}
	backup, _ := h.store.Get(context.Background(), "backup")
	if backup.LastTransferred != readyDonor("backup").LastTransferred || backup.Reserved() {
		t.Fatalf("second donor touched: %+v", backup)
	}
}

func TestTransferStickyLockWithoutReadyDonorExhausts(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, coolingDonor("cooling"))
	h.client.RegionChangeErrs = []error{fakeremote.Sticky()}

	res, err := h.orch.Transfer(context.Background(), usaRequest())
	if !errors.Is(err, donor.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	assertCalls(t, h.client, remote.OpRegionChange+":JPN")
	if h.store.Writes() != 0 {
		t.Fatalf("exhausted pool wrote %d times", h.store.Writes())
	}
	if res.State != transfer.StateFailed || !strings.HasPrefix(lastStep(res.Steps), "Failed: ") {
		t.Fatalf("unexpected failure result %+v", res)
	}
	if res.Profile != nil {
		t.Fatalf("failed transfer returned a profile")
	}
}

func TestTransferOtherCodeIsFatalWithoutPoolWrites(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, readyDonor("spare"))
	h.client.RegionChangeErrs = []error{fakeremote.Coded(remote.OpRegionChange, 500)}

	_, err := h.orch.Transfer(context.Background(), usaRequest())
	var serr *remote.ServiceError
	if !errors.As(err, &serr) || serr.Code != 500 {
		t.Fatalf("expected coded service error, got %v", err)
	}
	assertCalls(t, h.client, remote.OpRegionChange+":JPN")
	if h.store.Writes() != 0 {
		t.Fatalf("coded failure wrote %d times", h.store.Writes())
	}
}

func TestTransferDonorFailureReleasesLease(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, readyDonor("spare"))
	h.client.RegionChangeErrs = []error{fakeremote.Sticky()}
	h.client.TransferErr = fakeremote.Coded(remote.OpTransfer, 7)

	res, err := h.orch.Transfer(context.Background(), usaRequest())
	if remote.Classify(err).Code != 7 {
		t.Fatalf("expected transfer code 7, got %v", err)
	}
	if res.Donor != "spare" {
		t.Fatalf("expected failed run to name reserved donor, got %q", res.Donor)
	}
	spare, err := h.store.Get(context.Background(), "spare")
	if err != nil {
		t.Fatalf("get spare: %v", err)
	}
	want := readyDonor("spare")
	if spare.Reserved() || spare.LastTransferred != want.LastTransferred || string(spare.Profile) != string(want.Profile) {
		t.Fatalf("aborted donor changed: %+v", spare)
	}
	assertCalls(t, h.client, remote.OpRegionChange+":JPN", remote.OpTransfer)
}

func TestTransferDeleteFailureIsFatal(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	h.client.DeleteErr = errors.New("connection reset")

	res, err := h.orch.Transfer(context.Background(), usaRequest())
	if err == nil {
		t.Fatalf("expected delete failure")
	}
	if res.State != transfer.StateFailed || lastStep(res.Steps) != "Failed: connection reset" {
		t.Fatalf("unexpected result %+v", res)
	}
	assertCalls(t, h.client, remote.OpRegionChange+":JPN", remote.OpDeleteAcct)
}

func TestTransferValidatesBeforeRemoteCalls(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name  string
		blob  []byte
		claim string
	}{
		{name: "malformed", blob: []byte(`{"region":"USA"`), claim: "skip"},
		{name: "short otp", blob: fixture.WithField(fixture.Profile("USA", serial), "otp", "abc"), claim: "skip"},
		{name: "bad serial length", blob: fixture.Profile("USA", serial), claim: "CW123"},
		{name: "serial mismatch", blob: fixture.Profile("USA", serial), claim: "CW99999999"},
		{name: "unsupported region", blob: fixture.Profile("EUR", serial), claim: serial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, readyDonor("spare"))
			req := usaRequest()
			req.Profile = tc.blob
			req.ClaimedSerial = tc.claim

			res, err := h.orch.Transfer(context.Background(), req)
			if !errors.Is(err, profile.ErrInvalid) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if calls := h.client.Calls(); len(calls) != 0 {
				t.Fatalf("remote called before validation passed: %v", calls)
			}
			if !strings.HasPrefix(lastStep(res.Steps), "Failed: ") {
				t.Fatalf("missing terminal step: %v", res.Steps)
			}
		})
	}
}

func TestTransferSkipSerialAndMatchSteps(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	req := usaRequest()
	req.ClaimedSerial = "Skip"
	res, err := h.orch.Transfer(context.Background(), req)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Steps[0] != "skipping serial check" {
		t.Fatalf("unexpected first step %q", res.Steps[0])
	}

	h = newHarness(t)
	req.ClaimedSerial = strings.ToLower(serial) + "x"
	res, err = h.orch.Check(req)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Steps[0] != "serial match" {
		t.Fatalf("unexpected first step %q", res.Steps[0])
	}
	if len(h.client.Calls()) != 0 {
		t.Fatalf("check reached the remote service")
	}
}

func TestTransferConcurrentStickyLocksShareDonorsOnce(t *testing.T) {
	testlog.Start(t)

	const workers = 8
	h := newHarness(t, readyDonor("a"), readyDonor("b"), readyDonor("c"))
	errs := make([]error, workers)
	for i := range errs {
		errs[i] = fakeremote.Sticky()
	}
	h.client.RegionChangeErrs = errs

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		used    = map[string]int{}
		failed  int
		unknown []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Transfer(context.Background(), usaRequest())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				used[res.Donor]++
			case errors.Is(err, donor.ErrPoolExhausted):
				failed++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	if len(unknown) != 0 {
		t.Fatalf("unexpected errors: %v", unknown)
	}
	if len(used) != 3 || failed != workers-3 {
		t.Fatalf("expected 3 donors used once and %d exhausted, got %v and %d", workers-3, used, failed)
	}
	for name, n := range used {
		if n != 1 {
			t.Fatalf("donor %s consumed %d times", name, n)
		}
	}
}

func TestTransferCommitFailureReturnsMovedProfile(t *testing.T) {
	testlog.Start(t)

	store := memstore.Seed(readyDonor("spare"))
	h := newHarnessWith(t, store, brokenCommitStore{store}, nil)
	h.client.RegionChangeErrs = []error{fakeremote.Sticky()}

	res, err := h.orch.Transfer(context.Background(), usaRequest())
	if !errors.Is(err, transfer.ErrDonorUncommitted) {
		t.Fatalf("expected ErrDonorUncommitted, got %v", err)
	}
	var rerr *donor.RepositoryError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected wrapped repository error, got %v", err)
	}
	if len(res.Profile) == 0 || !strings.Contains(string(res.Profile), `"transferred":true`) {
		t.Fatalf("moved profile not returned: %q", res.Profile)
	}
	if res.Donor != "spare" {
		t.Fatalf("expected donor name on result, got %q", res.Donor)
	}
	spare, _ := h.store.Get(context.Background(), "spare")
	if !spare.Reserved() {
		t.Fatalf("uncommitted donor must stay leased")
	}
}

func TestTransferCleanFailureReturnsNewestProfile(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	h.client.CleanErr = errors.New("clean failed")

	res, err := h.orch.Transfer(context.Background(), usaRequest())
	if err == nil {
		t.Fatalf("expected clean failure")
	}
	if !strings.Contains(string(res.Profile), `"eshop_account":false`) {
		t.Fatalf("expected post-delete profile, got %q", res.Profile)
	}
}

func TestTransferTimeoutKeepsDonorLeased(t *testing.T) {
	testlog.Start(t)

	store := memstore.Seed(readyDonor("spare"))
	h := newHarnessWith(t, store, store, func(c remote.Client) remote.Client {
		return remote.NewGuard(c, remote.GuardConfig{Timeout: 20 * time.Millisecond})
	})
	h.client.RegionChangeErrs = []error{fakeremote.Sticky(), fakeremote.Sticky()}
	h.client.TransferDelay = 80 * time.Millisecond

	res, err := h.orch.Transfer(context.Background(), usaRequest())
	if !errors.Is(err, remote.ErrTimeout) || !errors.Is(err, transfer.ErrDonorInDoubt) {
		t.Fatalf("expected in-doubt timeout, got %v", err)
	}
	if res.Donor != "spare" {
		t.Fatalf("expected donor on result, got %q", res.Donor)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.client.TransfersCompleted() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	spare, _ := h.store.Get(context.Background(), "spare")
	if !spare.Reserved() {
		t.Fatalf("donor released after an unknown transfer outcome")
	}
	if spare.LastTransferred != readyDonor("spare").LastTransferred {
		t.Fatalf("donor aged without a confirmed transfer")
	}

	if _, err := h.orch.Transfer(context.Background(), usaRequest()); !errors.Is(err, donor.ErrPoolExhausted) {
		t.Fatalf("held donor handed out again: %v", err)
	}
}
