// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package extract

import (
	"fmt"
	"strings"
)

// checkName rejects entry names that cannot be materialized safely beneath
// the destination root. Separator and NUL bytes are already rejected when
// the inode table is loaded; this additionally refuses names that would
// escape or alias a path element on any platform.
func checkName(name string) error {
	switch name {
	case "", ".", "..":
		return fmt.Errorf("unusable entry name %q", name)
	}

	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("entry name %q contains a path separator", name)
	}

	return nil
}
