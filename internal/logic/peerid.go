package logic

import (
	"math/rand"

	"github.com/WendelHime/swarmbench/internal/shared/models"
)

const peerIDPrefix = "-SB0100-"

// GeneratePeerID returns a random peer id carrying the client prefix.
func GeneratePeerID() models.Hash {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	var peerID models.Hash
	copy(peerID[:], peerIDPrefix)
	for i := len(peerIDPrefix); i < len(peerID); i++ {
		peerID[i] = charset[rand.Intn(len(charset))]
	}

	return peerID
}
