// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tag

import "time"

// nowMicros returns the current wall-clock time as microseconds since the
// Unix epoch, matching the wire format's time_us field.
func nowMicros() int64 {
	return time.Now().UnixMicro()
}
