// SPDX-License-Identifier: MIT

//go:build windows

package doctor

import "errors"

// Free-space probing is not implemented on windows; the checker degrades
// instead of failing.
func diskFree(string) (uint64, error) {
	return 0, errors.New("disk space probe not supported on this platform")
}
