package control

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/soapctl/internal/donor"
	"github.com/danmuck/soapctl/internal/donor/memstore"
	"github.com/danmuck/soapctl/internal/extract"
	"github.com/danmuck/soapctl/internal/profile"
	"github.com/danmuck/soapctl/internal/remote"
	"github.com/danmuck/soapctl/internal/testutil/fakeremote"
	"github.com/danmuck/soapctl/internal/testutil/fixture"
	"github.com/danmuck/soapctl/internal/testutil/testlog"
	"github.com/danmuck/soapctl/internal/transfer"
)

var epoch = time.Unix(1_800_000_000, 0)

const serial = "CW12345678"

func newTestService(t *testing.T, cfg ServiceConfig, donors ...donor.Record) (*Service, *fakeremote.Client, *memstore.Store) {
	t.Helper()
	clock := func() time.Time { return epoch }
	store := memstore.Seed(donors...)
	client := &fakeremote.Client{LastMoved: epoch.Unix() - 60}
	orch := transfer.New(client, donor.NewPool(store, donor.WithClock(clock)), transfer.WithClock(clock))
	svc := NewService(cfg, orch, client)
	svc.now = clock
	return svc, client, store
}

func readyDonor(name string) donor.Record {
	return donor.Record{
		Name:            name,
		Profile:         fixture.Profile("JPN", "DN00000001"),
		LastTransferred: epoch.Unix() - donor.CooldownSeconds,
		Uploader:        "user:donor",
		Note:            "spare",
	}
}

func transferRequest() Request {
	return Request{
		Action:     ActionTransfer,
		Actor:      "user:1",
		Filename:   "mine.json",
		Attachment: fixture.Profile("USA", serial),
		Serial:     serial,
	}
}

func TestHandleControlTransferDirect(t *testing.T) {
	testlog.Start(t)

	svc, client, _ := newTestService(t, DefaultServiceConfig())
	resp := svc.handleControlRequest(context.Background(), transferRequest())
	if !resp.OK {
		t.Fatalf("transfer failed: %+v", resp)
	}
	if resp.RequestID == "" {
		t.Fatalf("expected generated request id")
	}
	data, ok := resp.Data.(TransferData)
	if !ok {
		t.Fatalf("unexpected data %T", resp.Data)
	}
	if data.Filename != "mine.json" || data.Path != transfer.PathDirect || data.Donor != "" {
		t.Fatalf("unexpected transfer data %+v", data)
	}
	if client.Count(remote.OpDeleteAcct) != 1 {
		t.Fatalf("expected account delete, calls %v", client.Calls())
	}
	if resp.Steps[len(resp.Steps)-1] != "Done!" {
		t.Fatalf("unexpected steps %v", resp.Steps)
	}
}

func TestHandleControlTransferExhaustedPool(t *testing.T) {
	testlog.Start(t)

	svc, client, _ := newTestService(t, DefaultServiceConfig())
	client.RegionChangeErrs = []error{fakeremote.Sticky()}
	resp := svc.handleControlRequest(context.Background(), transferRequest())
	if resp.OK || resp.ErrorKind != KindPoolExhausted {
		t.Fatalf("expected pool exhausted, got %+v", resp)
	}
	if !strings.HasPrefix(resp.Steps[len(resp.Steps)-1], "Failed: ") {
		t.Fatalf("missing terminal step: %v", resp.Steps)
	}
}

func TestHandleControlTransferFromImage(t *testing.T) {
	testlog.Start(t)

	svc, client, _ := newTestService(t, DefaultServiceConfig(), readyDonor("spare"))
	client.RegionChangeErrs = []error{fakeremote.Sticky()}
	req := transferRequest()
	req.Filename = "mine.exefs"
	req.Attachment = []byte(serial)

	resp := svc.handleControlRequest(context.Background(), req)
	if !resp.OK {
		t.Fatalf("transfer failed: %+v", resp)
	}
	data := resp.Data.(TransferData)
	if data.Donor != "spare" || data.Filename != "mine.json" {
		t.Fatalf("unexpected transfer data %+v", data)
	}
	if client.Count(remote.OpExtract) != 1 {
		t.Fatalf("image not extracted, calls %v", client.Calls())
	}
}

func TestHandleControlRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		edit func(*Request)
		kind string
	}{
		{name: "no actor", edit: func(r *Request) { r.Actor = "" }, kind: KindValidation},
		{name: "bad extension", edit: func(r *Request) { r.Filename = "mine.txt" }, kind: KindValidation},
		{name: "serial length", edit: func(r *Request) { r.Serial = "CW1" }, kind: KindValidation},
		{name: "unknown action", edit: func(r *Request) { r.Action = "delete_everything" }, kind: KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, client, _ := newTestService(t, DefaultServiceConfig())
			req := transferRequest()
			tc.edit(&req)
			resp := svc.handleControlRequest(context.Background(), req)
			if resp.OK || resp.ErrorKind != tc.kind {
				t.Fatalf("expected %s failure, got %+v", tc.kind, resp)
			}
			if len(client.Calls()) != 0 {
				t.Fatalf("remote called: %v", client.Calls())
			}
		})
	}
}

func TestHandleControlExtractionFailure(t *testing.T) {
	testlog.Start(t)

	svc, client, _ := newTestService(t, DefaultServiceConfig())
	client.ExtractErr = errors.New("not an essential image")
	req := transferRequest()
	req.Filename = "mine.exefs"
	resp := svc.handleControlRequest(context.Background(), req)
	if resp.OK || resp.ErrorKind != KindExtraction {
		t.Fatalf("expected extraction failure, got %+v", resp)
	}
}

func TestHandleControlRateLimitsActor(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultServiceConfig()
	cfg.RateLimitPerMinute = 1
	cfg.RateLimitBurst = 1
	svc, _, _ := newTestService(t, cfg)

	if resp := svc.handleControlRequest(context.Background(), transferRequest()); !resp.OK {
		t.Fatalf("first transfer failed: %+v", resp)
	}
	resp := svc.handleControlRequest(context.Background(), transferRequest())
	if resp.OK || resp.ErrorKind != KindRateLimited {
		t.Fatalf("expected rate limit, got %+v", resp)
	}
	other := transferRequest()
	other.Actor = "user:2"
	if resp := svc.handleControlRequest(context.Background(), other); !resp.OK {
		t.Fatalf("other actor limited: %+v", resp)
	}
	status := svc.handleControlRequest(context.Background(), Request{Action: ActionStatus, Actor: "user:1"})
	if !status.OK {
		t.Fatalf("read-only action limited: %+v", status)
	}
}

func TestHandleControlUploadAndDonorInfo(t *testing.T) {
	testlog.Start(t)

	svc, _, _ := newTestService(t, DefaultServiceConfig())
	upload := Request{
		Action:     ActionUpload,
		Actor:      "user:7",
		Filename:   "fresh.json",
		Attachment: fixture.Profile("JPN", "CW00000007"),
		Note:       "from the shelf",
	}
	resp := svc.handleControlRequest(context.Background(), upload)
	if !resp.OK {
		t.Fatalf("upload failed: %+v", resp)
	}
	if data := resp.Data.(UploadData); data.Name != "fresh" || data.LastTransferred != epoch.Unix()-60 {
		t.Fatalf("unexpected upload data %+v", data)
	}

	dup := svc.handleControlRequest(context.Background(), upload)
	if dup.OK || dup.ErrorKind != KindValidation {
		t.Fatalf("expected duplicate rejection, got %+v", dup)
	}

	info := svc.handleControlRequest(context.Background(), Request{Action: ActionDonorInfo, Actor: "user:1", Name: "fresh"})
	if !info.OK {
		t.Fatalf("donor_info failed: %+v", info)
	}
	got := info.Data.(DonorInfo)
	if got.Uploader != "user:7" || got.Note != "from the shelf" || got.Ready {
		t.Fatalf("unexpected donor info %+v", got)
	}
	if !strings.HasPrefix(got.Status, "Ready in ") {
		t.Fatalf("unexpected status %q", got.Status)
	}

	missing := svc.handleControlRequest(context.Background(), Request{Action: ActionDonorInfo, Name: "nope"})
	if missing.OK || missing.ErrorKind != KindNotFound {
		t.Fatalf("expected not_found, got %+v", missing)
	}
}

func TestHandleControlStatusCapsListing(t *testing.T) {
	testlog.Start(t)

	donors := make([]donor.Record, 0, 12)
	for i := 0; i < 12; i++ {
		donors = append(donors, readyDonor(fmt.Sprintf("donor-%02d", i)))
	}
	svc, _, _ := newTestService(t, DefaultServiceConfig(), donors...)

	resp := svc.handleControlRequest(context.Background(), Request{Action: ActionStatus})
	if !resp.OK {
		t.Fatalf("status failed: %+v", resp)
	}
	data := resp.Data.(StatusData)
	if len(data.Donors) != donor.ListingLimit || !data.Truncated || data.Total != 12 {
		t.Fatalf("unexpected listing %+v", data)
	}
	if data.Summary.Total != 12 || data.Summary.Ready != 12 {
		t.Fatalf("unexpected summary %+v", data.Summary)
	}
	if data.Donors[0].Name != "donor-00" || data.Donors[0].Status != "Ready!" {
		t.Fatalf("unexpected first line %+v", data.Donors[0])
	}
}

func TestHandleControlExportDonors(t *testing.T) {
	testlog.Start(t)

	svc, _, _ := newTestService(t, DefaultServiceConfig(), readyDonor("a"), readyDonor("b"))
	resp := svc.handleControlRequest(context.Background(), Request{Action: ActionExportDonors, Actor: "user:1"})
	if !resp.OK {
		t.Fatalf("export failed: %+v", resp)
	}
	data := resp.Data.(ExportData)
	if data.Count != 2 {
		t.Fatalf("unexpected count %d", data.Count)
	}
	zr, err := zip.NewReader(bytes.NewReader(data.Archive), int64(len(data.Archive)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 2 || zr.File[0].Name != "a.json" {
		t.Fatalf("unexpected archive entries")
	}
}

func TestHandleControlExportAllowList(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultServiceConfig()
	cfg.ExportActors = []string{"user:owner"}
	svc, _, _ := newTestService(t, cfg, readyDonor("a"))

	denied := svc.handleControlRequest(context.Background(), Request{Action: ActionExportDonors, Actor: "user:1"})
	if denied.OK || denied.ErrorKind != KindForbidden || denied.Data != nil {
		t.Fatalf("expected forbidden export, got %+v", denied)
	}
	allowed := svc.handleControlRequest(context.Background(), Request{Action: ActionExportDonors, Actor: "user:owner"})
	if !allowed.OK || allowed.Data.(ExportData).Count != 1 {
		t.Fatalf("owner export failed: %+v", allowed)
	}
}

func TestHandleControlTransferFailureKeepsMovedProfile(t *testing.T) {
	testlog.Start(t)

	svc, client, _ := newTestService(t, DefaultServiceConfig())
	client.CleanErr = errors.New("clean failed")
	resp := svc.handleControlRequest(context.Background(), transferRequest())
	if resp.OK {
		t.Fatalf("expected failure")
	}
	data, ok := resp.Data.(TransferData)
	if !ok || len(data.Profile) == 0 || data.Filename != "mine.json" {
		t.Fatalf("moved profile missing from failed response: %+v", resp)
	}
}

func TestErrorKindMapping(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		err  error
		want string
	}{
		{profile.Invalid("note", "too long"), KindValidation},
		{donor.ErrPoolExhausted, KindPoolExhausted},
		{fmt.Errorf("wrap: %w", donor.ErrNotFound), KindNotFound},
		{&remote.ServiceError{Op: remote.OpTransfer, Code: 3}, KindRemoteService},
		{fmt.Errorf("%w: clean", remote.ErrTimeout), KindRemoteTimeout},
		{remote.ErrUnavailable, KindRemoteService},
		{&extract.ExtractionError{Err: remote.ErrTimeout}, KindExtraction},
		{&donor.RepositoryError{Op: "list", Err: errors.New("conn refused")}, KindRepository},
		{ErrRateLimited, KindRateLimited},
		{ErrForbidden, KindForbidden},
		{fmt.Errorf("%w: donor %q: %w", transfer.ErrDonorUncommitted, "a", &donor.RepositoryError{Op: "commit", Err: errors.New("down")}), KindUncommitted},
		{fmt.Errorf("%w: %w", transfer.ErrDonorInDoubt, remote.ErrTimeout), KindRemoteTimeout},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := errorKind(tc.err); got != tc.want {
			t.Fatalf("errorKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestServeRoundTrip(t *testing.T) {
	testlog.Start(t)

	svc, _, _ := newTestService(t, DefaultServiceConfig(), readyDonor("a"))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	reader := bufio.NewReader(conn)
	for _, line := range []string{
		`{"action":"status","request_id":"r-1"}`,
		`not json`,
	} {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		raw, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch line {
		case `not json`:
			if resp.OK || resp.ErrorKind != KindValidation {
				t.Fatalf("expected decode failure, got %+v", resp)
			}
		default:
			if !resp.OK || resp.RequestID != "r-1" {
				t.Fatalf("unexpected status response %+v", resp)
			}
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
