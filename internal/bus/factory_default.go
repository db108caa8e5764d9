//go:build !nats

package bus

import "fmt"

// Connect reports that NATS support was not compiled in. Builds that need
// cross-instance fanout use -tags nats.
func Connect(url string) (Bus, error) {
	return nil, fmt.Errorf("bus: nats support not compiled in (build with -tags nats), cannot connect to %s", url)
}
