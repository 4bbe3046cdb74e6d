// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !linux

package monitor

import (
	"context"
	"errors"
)

// ErrUnsupportedPlatform is returned by the system sampler on platforms
// without /proc support.
var ErrUnsupportedPlatform = errors.New("system sampling is only implemented on linux")

type stubSampler struct{}

// NewSystemSampler returns a sampler reading the local system. On this
// platform every sample fails; the watchdog keeps heartbeating with the
// error so the gap is visible.
func NewSystemSampler() Sampler {
	return stubSampler{}
}

func (stubSampler) Sample(ctx context.Context) (ResourceSample, error) {
	return ResourceSample{}, ErrUnsupportedPlatform
}
