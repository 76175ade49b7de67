// Package magnet reads and writes magnet references: the content hash, a display name and
// the tracker to announce to. It is enough to join a swarm without the descriptor file.
package magnet

import (
	"errors"
	"fmt"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/anacrolix/torrent/metainfo"
)

var ErrNoTracker = errors.New("magnet link has no tracker")

type Link struct {
	InfoHash models.Hash
	Name     string
	Tracker  string
}

func FromDescriptor(desc models.Descriptor) Link {
	return Link{InfoHash: desc.InfoHash, Name: desc.Info.Name, Tracker: desc.Announce}
}

func (l Link) String() string {
	m := metainfo.Magnet{
		InfoHash:    metainfo.Hash(l.InfoHash),
		DisplayName: l.Name,
	}
	if l.Tracker != "" {
		m.Trackers = []string{l.Tracker}
	}
	return m.String()
}

// Parse decodes a magnet URI. Only the first tracker is kept: swarms use a single tracker.
func Parse(uri string) (Link, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return Link{}, fmt.Errorf("invalid magnet link: %w", err)
	}
	if len(m.Trackers) == 0 {
		return Link{}, ErrNoTracker
	}

	return Link{
		InfoHash: models.Hash(m.InfoHash),
		Name:     m.DisplayName,
		Tracker:  m.Trackers[0],
	}, nil
}
