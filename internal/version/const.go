// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package version

const (
	MAJOR = 0
	MINOR = 1
	PATCH = 0
)
