package tracker

import (
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/hashicorp/go-memdb"
)

const (
	tablePeer  = "peer"
	tableSwarm = "swarm"
)

type peerEntry struct {
	ID       string
	SwarmID  string
	Addr     models.Addr
	PeerID   models.Hash
	Left     int64
	LastSeen time.Time
}

type swarmEntry struct {
	ID        string
	Completed int
}

// Registry is the tracker's view of every swarm: who announced, from where, and when.
type Registry struct {
	db *memdb.MemDB
}

func NewRegistry() (*Registry, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tablePeer: {
				Name: tablePeer,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"swarm": {
						Name:    "swarm",
						Indexer: &memdb.StringFieldIndex{Field: "SwarmID"},
					},
				},
			},
			tableSwarm: {
				Name: tableSwarm,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

func peerKey(swarmID models.Hash, addr models.Addr) string {
	return swarmID.String() + "/" + addr.String()
}

func (r *Registry) Upsert(swarmID models.Hash, peerID models.Hash, addr models.Addr, left int64, seen time.Time) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	err := txn.Insert(tablePeer, &peerEntry{
		ID:       peerKey(swarmID, addr),
		SwarmID:  swarmID.String(),
		Addr:     addr,
		PeerID:   peerID,
		Left:     left,
		LastSeen: seen,
	})
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (r *Registry) Remove(swarmID models.Hash, addr models.Addr) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	_, err := txn.DeleteAll(tablePeer, "id", peerKey(swarmID, addr))
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (r *Registry) MarkCompleted(swarmID models.Hash) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	entry := &swarmEntry{ID: swarmID.String()}
	existing, err := txn.First(tableSwarm, "id", entry.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		entry.Completed = existing.(*swarmEntry).Completed
	}
	entry.Completed++
	err = txn.Insert(tableSwarm, entry)
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Peers returns the peers of a swarm seen after since, dropping the ones that went quiet.
func (r *Registry) Peers(swarmID models.Hash, since time.Time) ([]peerEntry, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tablePeer, "swarm", swarmID.String())
	if err != nil {
		return nil, err
	}

	var live []peerEntry
	var stale []*peerEntry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		entry := obj.(*peerEntry)
		if entry.LastSeen.Before(since) {
			stale = append(stale, entry)
			continue
		}
		live = append(live, *entry)
	}
	for _, entry := range stale {
		err = txn.Delete(tablePeer, entry)
		if err != nil {
			return nil, err
		}
	}
	txn.Commit()
	return live, nil
}

func (r *Registry) Stats(swarmID models.Hash, since time.Time) (ScrapeResponse, error) {
	peers, err := r.Peers(swarmID, since)
	if err != nil {
		return ScrapeResponse{}, err
	}

	var stats ScrapeResponse
	for _, p := range peers {
		if p.Left == 0 {
			stats.Seeders++
		} else {
			stats.Leechers++
		}
	}

	txn := r.db.Txn(false)
	defer txn.Abort()
	entry, err := txn.First(tableSwarm, "id", swarmID.String())
	if err != nil {
		return ScrapeResponse{}, err
	}
	if entry != nil {
		stats.Completed = entry.(*swarmEntry).Completed
	}
	return stats, nil
}
