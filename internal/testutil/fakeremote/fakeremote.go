// Package fakeremote is a scriptable remote.Client for tests.
package fakeremote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/soapctl/internal/profile"
	"github.com/danmuck/soapctl/internal/remote"
	"github.com/danmuck/soapctl/internal/testutil/fixture"
)

// Client records every call and replays scripted errors.
type Client struct {
	mu sync.Mutex

	// RegionChangeErrs is consumed one entry per RegionChange call; nil or exhausted means success.
	RegionChangeErrs []error
	DeleteErr        error
	TransferErr      error
	CleanErr         error
	ExtractErr       error

	// TransferDelay makes TransferWithDonor finish late regardless of ctx,
	// the way a remote service keeps working after its caller gave up.
	TransferDelay time.Duration

	// LastMoved is stamped into profiles returned by mutating calls.
	LastMoved int64

	calls     []string
	regionIdx int
	transfers int
}

var _ remote.Client = (*Client)(nil)

// Sticky is the remote's sticky-title refusal.
func Sticky() error {
	return &remote.ServiceError{Op: remote.OpRegionChange, Code: remote.StickyLockCode, Message: "sticky titles"}
}

// Coded is any other coded refusal.
func Coded(op string, code int) error {
	return &remote.ServiceError{Op: op, Code: code, Message: fmt.Sprintf("code %d", code)}
}

// Calls returns the call log in order.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// TransfersCompleted counts donor transfers that took effect remotely.
func (c *Client) TransfersCompleted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers
}

// Count returns how many calls started with op.
func (c *Client) Count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if len(call) >= len(op) && call[:len(op)] == op {
			n++
		}
	}
	return n
}

func (c *Client) RegionChange(_ context.Context, p []byte, target profile.Target) (remote.Reply, error) {
	c.mu.Lock()
	c.calls = append(c.calls, remote.OpRegionChange+":"+target.Region)
	var err error
	if c.regionIdx < len(c.RegionChangeErrs) {
		err = c.RegionChangeErrs[c.regionIdx]
	}
	c.regionIdx++
	stamp := c.LastMoved
	c.mu.Unlock()
	if err != nil {
		return remote.Reply{}, err
	}
	out := fixture.WithField(p, "region", target.Region)
	out = stampProfile(out, stamp)
	return remote.Reply{Profile: out, Steps: []string{"region changed to " + target.Region}}, nil
}

func (c *Client) DeleteAccount(_ context.Context, p []byte) (remote.Reply, error) {
	c.mu.Lock()
	c.calls = append(c.calls, remote.OpDeleteAcct)
	err := c.DeleteErr
	c.mu.Unlock()
	if err != nil {
		return remote.Reply{}, err
	}
	return remote.Reply{Profile: fixture.WithField(p, "eshop_account", false), Steps: []string{"eShop account deleted"}}, nil
}

func (c *Client) TransferWithDonor(_ context.Context, p, donorProfile []byte) (remote.TransferReply, error) {
	c.mu.Lock()
	c.calls = append(c.calls, remote.OpTransfer)
	err := c.TransferErr
	stamp := c.LastMoved
	delay := c.TransferDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return remote.TransferReply{}, err
	}
	c.mu.Lock()
	c.transfers++
	c.mu.Unlock()
	return remote.TransferReply{
		Profile:      stampProfile(fixture.WithField(p, "transferred", true), stamp),
		DonorProfile: stampProfile(fixture.WithField(donorProfile, "donated", true), stamp),
		Steps:        []string{"system transfer complete"},
	}, nil
}

func (c *Client) Clean(_ context.Context, p []byte) ([]byte, error) {
	c.mu.Lock()
	c.calls = append(c.calls, remote.OpClean)
	err := c.CleanErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return fixture.WithField(p, "cleaned", true), nil
}

// Extract returns a profile whose serial is the image body.
func (c *Client) Extract(_ context.Context, image []byte) ([]byte, error) {
	c.mu.Lock()
	c.calls = append(c.calls, remote.OpExtract)
	err := c.ExtractErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return fixture.Profile("USA", string(image)), nil
}

func stampProfile(p []byte, stamp int64) []byte {
	if stamp == 0 {
		return p
	}
	return fixture.WithField(p, "last_moved", stamp)
}
