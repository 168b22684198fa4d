// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package copysched

import (
	"crypto"
	_ "crypto/sha256"

	"github.com/grailbio/base/digest"
)

// Digester computes content digests used to derive stable trace span ids
// from strings such as priority class names.
var Digester = digest.Digester(crypto.SHA256)
