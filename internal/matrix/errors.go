package matrix

import "errors"

// ErrEncryptionUnsupported is returned when a send targets an encrypted
// room but the crypto subsystem did not bootstrap. Refusing the send is
// deliberate: falling back to plaintext in an encrypted room would leak.
var ErrEncryptionUnsupported = errors.New("room is encrypted but encryption support is unavailable")
