package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"

	"github.com/danmuck/soapctl/internal/donor"
	"github.com/danmuck/soapctl/internal/extract"
	"github.com/danmuck/soapctl/internal/observability"
	"github.com/danmuck/soapctl/internal/transfer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	ActionTransfer     = "transfer"
	ActionUpload       = "upload"
	ActionCheck        = "check"
	ActionDonorInfo    = "donor_info"
	ActionExportDonors = "export_donors"
	ActionStatus       = "status"

	maxRequestLine = 8 << 20
)

// Request is one requester action. Attachment is the raw file body and
// Filename decides whether it is a profile or an essential image.
type Request struct {
	Action     string `json:"action"`
	RequestID  string `json:"request_id,omitempty"`
	Actor      string `json:"actor"`
	Filename   string `json:"filename,omitempty"`
	Attachment []byte `json:"attachment,omitempty"`
	Serial     string `json:"serial,omitempty"`
	Note       string `json:"note,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Response is written as one JSON line per request.
type Response struct {
	OK        bool     `json:"ok"`
	RequestID string   `json:"request_id"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Steps     []string `json:"steps,omitempty"`
	Data      any      `json:"data,omitempty"`
}

// TransferData is the payload of a completed transfer.
type TransferData struct {
	Filename string          `json:"filename"`
	Profile  json.RawMessage `json:"profile"`
	Donor    string          `json:"donor,omitempty"`
	Path     string          `json:"path"`
}

// UploadData is the payload of a stored donor.
type UploadData struct {
	Name            string `json:"name"`
	LastTransferred int64  `json:"last_transferred"`
	Donor           string `json:"donor,omitempty"`
}

// DonorInfo is one donor's details without its profile.
type DonorInfo struct {
	Name            string `json:"name"`
	Uploader        string `json:"uploader"`
	LastTransferred int64  `json:"last_transferred"`
	Note            string `json:"note,omitempty"`
	Ready           bool   `json:"ready"`
	Status          string `json:"status"`
}

// ExportData carries the zipped donor archive.
type ExportData struct {
	Filename string `json:"filename"`
	Count    int    `json:"count"`
	Archive  []byte `json:"archive"`
}

// StatusLine is one row of the donor listing.
type StatusLine struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StatusData summarizes the pool with a capped listing.
type StatusData struct {
	Summary   donor.Summary `json:"summary"`
	Donors    []StatusLine  `json:"donors"`
	Total     int           `json:"total"`
	Truncated bool          `json:"truncated"`
}

// handleConn decodes one request per line and writes one response per line.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remoteAddr := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Debug().Str("remote", remoteAddr).Int64("active_clients", active).Msg("control client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Debug().Str("remote", remoteAddr).Int64("active_clients", remaining).Msg("control client disconnected")
	}()

	reader := bufio.NewReaderSize(conn, 64<<10)
	for {
		line, err := readRequestLine(reader)
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Str("remote", remoteAddr).Msg("control read failed")
			}
			return
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeResponse(conn, Response{OK: false, Error: err.Error(), ErrorKind: KindValidation})
			continue
		}
		resp := s.handleControlRequest(ctx, req)
		if err := writeResponse(conn, resp); err != nil {
			log.Warn().Err(err).Str("remote", remoteAddr).Msg("control write failed")
			return
		}
	}
}

// handleControlRequest routes one action to the orchestrator or the pool.
func (s *Service) handleControlRequest(ctx context.Context, req Request) Response {
	req.Action = strings.TrimSpace(req.Action)
	req.Actor = strings.TrimSpace(req.Actor)
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = s.newID()
	}
	ctx, logger := observability.WithRequestLogger(ctx, req.RequestID, req.Actor, req.Action)

	var (
		steps []string
		data  any
		err   error
	)
	switch req.Action {
	case ActionTransfer:
		steps, data, err = s.transfer(ctx, req)
	case ActionUpload:
		steps, data, err = s.upload(ctx, req)
	case ActionCheck:
		steps, err = s.check(ctx, req)
	case ActionDonorInfo:
		data, err = s.donorInfo(ctx, req)
	case ActionExportDonors:
		data, err = s.exportDonors(ctx, req)
	case ActionStatus:
		data, err = s.status(ctx)
	default:
		observability.RecordControlRequest("unknown", false)
		return Response{
			OK:        false,
			RequestID: req.RequestID,
			Error:     fmt.Sprintf("unknown action: %s", req.Action),
			ErrorKind: KindValidation,
		}
	}

	observability.RecordControlRequest(req.Action, err == nil)
	if err != nil {
		kind := errorKind(err)
		event := logger.Warn()
		if kind == KindInternal || kind == KindRepository {
			event = logger.Error()
		}
		event.Err(err).Str("error_kind", kind).Msg("control request failed")
		resp := Response{OK: false, RequestID: req.RequestID, Error: err.Error(), ErrorKind: kind, Steps: steps}
		if req.Action == ActionTransfer && data != nil {
			resp.Data = data
		}
		return resp
	}
	logger.Debug().Msg("control request ok")
	return Response{OK: true, RequestID: req.RequestID, Steps: steps, Data: data}
}

func (s *Service) transfer(ctx context.Context, req Request) ([]string, any, error) {
	if err := s.admit(req); err != nil {
		return nil, nil, err
	}
	att, blob, err := s.loadAttachment(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.orch.Transfer(ctx, transfer.Request{
		RequestID:     req.RequestID,
		Name:          att.Name,
		Profile:       blob,
		ClaimedSerial: req.Serial,
		Actor:         req.Actor,
	})
	if err != nil {
		if len(res.Profile) == 0 {
			return res.Steps, nil, err
		}
		// The remote account already moved; hand back the newest profile.
		return res.Steps, TransferData{
			Filename: att.Name + extract.ProfileExt,
			Profile:  json.RawMessage(res.Profile),
			Donor:    res.Donor,
			Path:     res.Path,
		}, err
	}
	return res.Steps, TransferData{
		Filename: att.Name + extract.ProfileExt,
		Profile:  json.RawMessage(res.Profile),
		Donor:    res.Donor,
		Path:     res.Path,
	}, nil
}

func (s *Service) upload(ctx context.Context, req Request) ([]string, any, error) {
	if err := s.admit(req); err != nil {
		return nil, nil, err
	}
	att, blob, err := s.loadAttachment(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.orch.Upload(ctx, transfer.UploadRequest{
		RequestID: req.RequestID,
		Name:      att.Name,
		Uploader:  req.Actor,
		Note:      req.Note,
		Profile:   blob,
	})
	if err != nil {
		return res.Steps, nil, err
	}
	return res.Steps, UploadData{Name: res.Name, LastTransferred: res.LastTransferred, Donor: res.Donor}, nil
}

func (s *Service) check(ctx context.Context, req Request) ([]string, error) {
	att, blob, err := s.loadAttachment(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.Check(transfer.Request{
		RequestID:     req.RequestID,
		Name:          att.Name,
		Profile:       blob,
		ClaimedSerial: req.Serial,
		Actor:         req.Actor,
	})
	return res.Steps, err
}

func (s *Service) donorInfo(ctx context.Context, req Request) (DonorInfo, error) {
	rec, err := s.orch.Pool().Info(ctx, req.Name)
	if err != nil {
		return DonorInfo{}, err
	}
	now := s.now()
	st := donor.ListWithStatus([]donor.Record{rec}, now).Items[0]
	return DonorInfo{
		Name:            rec.Name,
		Uploader:        rec.Uploader,
		LastTransferred: rec.LastTransferred,
		Note:            rec.Note,
		Ready:           st.Ready,
		Status:          st.Describe(now),
	}, nil
}

func (s *Service) exportDonors(ctx context.Context, req Request) (ExportData, error) {
	if !s.mayExport(req.Actor) {
		return ExportData{}, ErrForbidden
	}
	var buf bytes.Buffer
	n, err := s.orch.Pool().Export(ctx, &buf)
	if err != nil {
		return ExportData{}, err
	}
	return ExportData{Filename: "donors.zip", Count: n, Archive: buf.Bytes()}, nil
}

func (s *Service) status(ctx context.Context) (StatusData, error) {
	pool := s.orch.Pool()
	summary, err := pool.Summarize(ctx)
	if err != nil {
		return StatusData{}, err
	}
	page, err := pool.ListWithStatus(ctx)
	if err != nil {
		return StatusData{}, err
	}
	now := s.now()
	lines := make([]StatusLine, 0, len(page.Items))
	for _, st := range page.Items {
		lines = append(lines, StatusLine{Name: st.Name, Status: st.Describe(now)})
	}
	return StatusData{Summary: summary, Donors: lines, Total: page.Total, Truncated: page.Truncated}, nil
}

// mayExport applies the optional export allow-list; an empty list allows everyone.
func (s *Service) mayExport(actor string) bool {
	if len(s.cfg.ExportActors) == 0 {
		return true
	}
	return slices.Contains(s.cfg.ExportActors, actor)
}

// admit enforces the per-actor budget on side-effecting actions.
func (s *Service) admit(req Request) error {
	if req.Actor == "" {
		return ErrActorRequired
	}
	if !s.limiter.Allow(req.Actor, s.now()) {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) loadAttachment(ctx context.Context, req Request) (extract.Attachment, []byte, error) {
	att, err := extract.ParseAttachment(req.Filename)
	if err != nil {
		return extract.Attachment{}, nil, err
	}
	blob, err := extract.Load(ctx, s.extractor, att, req.Attachment)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("filename", att.Filename).Msg("attachment load failed")
		return extract.Attachment{}, nil, err
	}
	return att, blob, nil
}

func readRequestLine(r *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.ReadSlice('\n')
		out = append(out, chunk...)
		if len(out) > maxRequestLine {
			return nil, fmt.Errorf("request exceeds %d bytes", maxRequestLine)
		}
		switch {
		case err == nil:
			return out, nil
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && len(bytes.TrimSpace(out)) > 0:
			return out, nil
		default:
			return nil, err
		}
	}
}

func writeResponse(w io.Writer, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
