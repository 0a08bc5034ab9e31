// Package transfer sequences validation, remote account calls and donor
// leases into region transfers and donor uploads.
//
// Each invocation owns one run: a state cursor checked against a fixed
// transition table plus the step log returned to the requester. Runs share
// nothing except the donor repository behind the pool.
package transfer
