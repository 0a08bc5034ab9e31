package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/soapctl/internal/extract"
	"github.com/danmuck/soapctl/internal/profile"
)

const (
	bridgeActionRegionChange = "eshop_region_change"
	bridgeActionDelete       = "delete_eshop_account"
	bridgeActionTransfer     = "transfer_with_donor"
	bridgeActionClean        = "clean_json"
	bridgeActionGenerate     = "generate_json"

	maxBridgeLine = 4 << 20
)

type bridgeRequest struct {
	Action       string          `json:"action"`
	Profile      json.RawMessage `json:"profile,omitempty"`
	DonorProfile json.RawMessage `json:"donor_profile,omitempty"`
	Region       string          `json:"region,omitempty"`
	Country      string          `json:"country,omitempty"`
	Language     string          `json:"language,omitempty"`
	Image        []byte          `json:"image,omitempty"`
}

type bridgeResponse struct {
	OK    bool       `json:"ok"`
	Error string     `json:"error,omitempty"`
	Code  int        `json:"code,omitempty"`
	Data  bridgeData `json:"data,omitempty"`
}

type bridgeData struct {
	Profile      json.RawMessage `json:"profile,omitempty"`
	DonorProfile json.RawMessage `json:"donor_profile,omitempty"`
	Steps        []string        `json:"steps,omitempty"`
}

// BridgeClient talks to an account-service bridge process over TCP, one
// JSON request line and one JSON response line per call.
type BridgeClient struct {
	addr    string
	timeout time.Duration
}

var (
	_ Client            = (*BridgeClient)(nil)
	_ extract.Extractor = (*BridgeClient)(nil)
)

// NewBridgeClient constructs a client bound to one bridge address.
func NewBridgeClient(addr string) *BridgeClient {
	return &BridgeClient{
		addr:    strings.TrimSpace(addr),
		timeout: 60 * time.Second,
	}
}

func (c *BridgeClient) RegionChange(ctx context.Context, p []byte, target profile.Target) (Reply, error) {
	data, err := c.call(ctx, OpRegionChange, bridgeRequest{
		Action:   bridgeActionRegionChange,
		Profile:  p,
		Region:   target.Region,
		Country:  target.Country,
		Language: target.Language,
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Profile: data.Profile, Steps: data.Steps}, nil
}

func (c *BridgeClient) DeleteAccount(ctx context.Context, p []byte) (Reply, error) {
	data, err := c.call(ctx, OpDeleteAcct, bridgeRequest{Action: bridgeActionDelete, Profile: p})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Profile: data.Profile, Steps: data.Steps}, nil
}

func (c *BridgeClient) TransferWithDonor(ctx context.Context, p, donorProfile []byte) (TransferReply, error) {
	data, err := c.call(ctx, OpTransfer, bridgeRequest{
		Action:       bridgeActionTransfer,
		Profile:      p,
		DonorProfile: donorProfile,
	})
	if err != nil {
		return TransferReply{}, err
	}
	if len(data.DonorProfile) == 0 {
		return TransferReply{}, &ServiceError{Op: OpTransfer, Message: "bridge returned no donor profile"}
	}
	return TransferReply{Profile: data.Profile, DonorProfile: data.DonorProfile, Steps: data.Steps}, nil
}

func (c *BridgeClient) Clean(ctx context.Context, p []byte) ([]byte, error) {
	data, err := c.call(ctx, OpClean, bridgeRequest{Action: bridgeActionClean, Profile: p})
	if err != nil {
		return nil, err
	}
	return data.Profile, nil
}

// Extract asks the bridge to build a profile from an essential image.
func (c *BridgeClient) Extract(ctx context.Context, image []byte) ([]byte, error) {
	data, err := c.call(ctx, OpExtract, bridgeRequest{Action: bridgeActionGenerate, Image: image})
	if err != nil {
		var serr *ServiceError
		if errors.As(err, &serr) {
			return nil, &extract.ExtractionError{Err: err}
		}
		return nil, err
	}
	return data.Profile, nil
}

func (c *BridgeClient) call(ctx context.Context, op string, req bridgeRequest) (bridgeData, error) {
	if c.addr == "" {
		return bridgeData{}, fmt.Errorf("remote: bridge addr required")
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return bridgeData{}, fmt.Errorf("remote: %s: dial bridge: %w", op, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	line, err := json.Marshal(req)
	if err != nil {
		return bridgeData{}, err
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return bridgeData{}, fmt.Errorf("remote: %s: write: %w", op, err)
	}

	reader := bufio.NewReaderSize(conn, 64<<10)
	respLine, err := readLine(reader, maxBridgeLine)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return bridgeData{}, ctxErr
		}
		return bridgeData{}, fmt.Errorf("remote: %s: read: %w", op, err)
	}
	var resp bridgeResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return bridgeData{}, fmt.Errorf("remote: %s: decode: %w", op, err)
	}
	if !resp.OK {
		return bridgeData{}, &ServiceError{Op: op, Code: resp.Code, Message: strings.TrimSpace(resp.Error)}
	}
	if len(resp.Data.Profile) == 0 {
		return bridgeData{}, &ServiceError{Op: op, Message: "bridge returned no profile"}
	}
	return resp.Data, nil
}

func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.ReadSlice('\n')
		out = append(out, chunk...)
		if len(out) > limit {
			return nil, fmt.Errorf("response exceeds %d bytes", limit)
		}
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}
