package forward

import "crypto/rand"

// randomizeID overwrites the 16-bit transaction id at the start of a DNS
// message with fresh random bytes, per spec §4.4 ("Rewrite the id field in
// state.request with freshly-generated random bytes") and the original
// implementation's rng_generate call ahead of every forwarding attempt.
// crypto/rand is used rather than math/rand since transaction-id
// unpredictability is a real anti-spoofing property, not cosmetic.
func randomizeID(msg []byte) error {
	if len(msg) < 2 {
		return nil
	}
	_, err := rand.Read(msg[0:2])
	return err
}
