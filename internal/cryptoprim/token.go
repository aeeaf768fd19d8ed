package cryptoprim

import "crypto/rsa"

// TokenSentinel is the plaintext a minion's "tok" field is a PKCS#1v15
// signature over, grounded on master.py's __verify_minion ("The string
// needs to verify as 'salt' with the minion public key").
const TokenSentinel = "salt"

// VerifyToken reports whether token is a valid signature over TokenSentinel
// under pub. Both the request channel's v3+ token check and the presence
// callback's subscriber-identity check use this same primitive.
func VerifyToken(pub *rsa.PublicKey, token []byte) bool {
	return VerifyMessage(pub, []byte(TokenSentinel), token) == nil
}

// SignToken produces a token a minion would attach to prove possession of
// priv; used by tests standing in for minion-side behavior.
func SignToken(priv *rsa.PrivateKey) ([]byte, error) {
	return SignMessage(priv, []byte(TokenSentinel))
}
