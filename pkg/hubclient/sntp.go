package hubclient

import (
	"context"
	"encoding/binary"
	"log"
	"net"
	"time"
)

// syncClockOnce performs a best-effort SNTP query bounded by a 10s ceiling
// before the first HTTPS call, because certificate validity checks need a
// plausible epoch (spec.md §4.3). Failure is non-fatal: the call is a
// no-op beyond logging, the system clock is used as-is.
func syncClockOnce(ctx context.Context, server string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := querySNTP(ctx, server); err != nil {
		log.Printf("hubclient: sntp sync against %s failed (continuing with system clock): %v", server, err)
	}
}

// querySNTP sends a minimal NTPv3 client request and returns the server's
// transmit timestamp. It does not adjust the system clock itself; on a
// hosted Go process the OS clock is the authority. This only establishes
// that a plausible epoch is reachable before trusting certificate validity
// windows.
func querySNTP(ctx context.Context, server string) (time.Time, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := make([]byte, 48)
	req[0] = 0x1B // LI=0, VN=3, Mode=3 (client)
	if _, err := conn.Write(req); err != nil {
		return time.Time{}, err
	}

	resp := make([]byte, 48)
	if _, err := conn.Read(resp); err != nil {
		return time.Time{}, err
	}

	secs := binary.BigEndian.Uint32(resp[40:44])
	const ntpUnixOffset = 2208988800 // seconds between 1900 and 1970 epochs
	return time.Unix(int64(secs)-ntpUnixOffset, 0), nil
}
