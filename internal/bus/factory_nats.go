//go:build nats

package bus

// Connect dials the NATS server at url.
func Connect(url string) (Bus, error) {
	return NewNatsBus(url)
}
