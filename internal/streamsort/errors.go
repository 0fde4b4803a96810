// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package streamsort

import "errors"

var (
	// ErrInvalidState indicates an operation was invoked while the sorter
	// is in the wrong lifecycle state, such as reading a drained sorter.
	ErrInvalidState = errors.New("invalid sorter state")

	// ErrInvalidElement indicates malformed input: an empty element, an
	// element containing line breaks, or a malformed worker address.
	ErrInvalidElement = errors.New("invalid element")
)

// RemoteError carries an application-level failure reported by a sort
// worker over the wire. It matches ErrInvalidState, so callers handle
// local and remote sorter faults uniformly.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote sorter: " + e.Message
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrInvalidState
}
