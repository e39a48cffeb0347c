package probe

import (
	"context"
	"time"

	"wifisurvey/internal/addrutil"
	"wifisurvey/internal/execx"
)

// ListInterfaces returns the names of interfaces that have an IPv4 address.
func ListInterfaces(ctx context.Context, runner execx.Runner) ([]string, error) {
	ctx, cancel := withTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := runner.Run(ctx, "ip", "-o", "-4", "addr", "show")
	if err != nil {
		return nil, err
	}
	return addrutil.InetInterfaces(res.Stdout), nil
}
