package outbound

import "io"

// readAllLimited reads at most max bytes, guarding against a misbehaving
// upstream streaming an unbounded response through a leased proxy.
func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, max))
}
