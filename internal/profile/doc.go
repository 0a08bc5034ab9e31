// Package profile owns the console profile blob and request validation.
//
// A profile is the serialized online-account state of one device. The core
// only inspects the handful of fields it needs (region, otp, msed, secureinfo,
// last_moved) and otherwise carries the blob through untouched, so remote-side
// additions survive every round trip.
package profile
