package registrycore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// ProofSide records whether a Merkle proof element is the left or right
// sibling of the node being folded. Spec §9 requires positional proofs: a
// verifier that only knew the sibling hash could not reproduce the same
// ordering the tree was built with, so every proof element is tagged.
type ProofSide int

const (
	SideLeft ProofSide = iota
	SideRight
)

// ProofElement is one step of a Merkle inclusion proof.
type ProofElement struct {
	Hash string
	Side ProofSide
}

// merkleNode is an internal tree node kept only for proof construction;
// it is discarded and rebuilt on every call to rebuild.
type merkleNode struct {
	hash        string
	left, right *merkleNode
}

// MerkleIndex is the in-memory binary hash tree over the ordered event log
// (§4.B). It is rebuilt from scratch whenever the event set changes; there
// is no incremental update, since the log is kept in timestamp order and an
// event with an earlier timestamp (e.g. one pulled from the server) shifts
// the position of every later leaf, and a full rebuild over realistic
// event-log sizes is cheap relative to the storage round trip that
// triggered it.
type MerkleIndex struct {
	mu         sync.RWMutex
	root       *merkleNode
	leaves     map[string]int // event GUID -> leaf position, for proof lookups
	order      []string       // event GUIDs in leaf order
	leafHashes []string       // leaf hashes in the same order, cached for Proof
}

// NewMerkleIndex returns an empty index; root() is "" until rebuild is
// called with a non-empty event set.
func NewMerkleIndex() *MerkleIndex {
	return &MerkleIndex{leaves: make(map[string]int)}
}

// canonicalJSON re-serializes v with lexicographically sorted object keys
// and no insignificant whitespace, by round-tripping through a generic
// value: encoding/json sorts map[string]any keys at every nesting level.
func canonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func eventLeafHash(e *Event) (string, error) {
	canon, err := canonicalJSON(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func combine(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// Rebuild recomputes the tree from the ordered event slice. It is invoked
// after every append and once on startup.
func (m *MerkleIndex) Rebuild(events []*Event) error {
	leaves := make([]*merkleNode, len(events))
	order := make([]string, len(events))
	leafHashes := make([]string, len(events))
	leafIdx := make(map[string]int, len(events))
	for i, e := range events {
		h, err := eventLeafHash(e)
		if err != nil {
			return err
		}
		leaves[i] = &merkleNode{hash: h}
		order[i] = e.GUID
		leafHashes[i] = h
		leafIdx[e.GUID] = i
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = order
	m.leafHashes = leafHashes
	m.leaves = leafIdx
	if len(leaves) == 0 {
		m.root = nil
		return nil
	}
	level := leaves
	for len(level) > 1 {
		var next []*merkleNode
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				l, r := level[i], level[i+1]
				next = append(next, &merkleNode{hash: combine(l.hash, r.hash), left: l, right: r})
			} else {
				// Odd count: the rightmost node is promoted unchanged,
				// never duplicated.
				next = append(next, level[i])
			}
		}
		level = next
	}
	m.root = level[0]
	return nil
}

// Root returns the hex root hash, or "" when the tree is empty. It is
// synchronous and non-blocking per §5.
func (m *MerkleIndex) Root() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.root == nil {
		return ""
	}
	return m.root.hash
}

// Proof returns the sibling path from leaf to root for the given event,
// or an empty slice if the event is not present in the current tree.
func (m *MerkleIndex) Proof(event *Event) ([]ProofElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.leaves[event.GUID]
	if !ok {
		return nil, nil
	}

	// Re-walk the tree structure level by level using indices, mirroring
	// Rebuild's pairing rule, collecting the sibling at each level.
	var proof []ProofElement
	levelSize := len(m.order)
	pos := idx
	hashes := m.leafHashes
	for levelSize > 1 {
		var siblingIdx int
		var side ProofSide
		if pos%2 == 0 {
			siblingIdx = pos + 1
			side = SideRight
		} else {
			siblingIdx = pos - 1
			side = SideLeft
		}
		if siblingIdx < levelSize {
			proof = append(proof, ProofElement{Hash: hashes[siblingIdx], Side: side})
		}
		var next []string
		for i := 0; i < levelSize; i += 2 {
			if i+1 < levelSize {
				next = append(next, combine(hashes[i], hashes[i+1]))
			} else {
				next = append(next, hashes[i])
			}
		}
		hashes = next
		levelSize = len(next)
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the leaf hash for event and folds the proof elements in
// order, using the side tag to decide which argument of combine() each
// element plays, then compares against root.
func Verify(event *Event, proof []ProofElement, root string) (bool, error) {
	current, err := eventLeafHash(event)
	if err != nil {
		return false, err
	}
	for _, el := range proof {
		switch el.Side {
		case SideLeft:
			current = combine(el.Hash, current)
		case SideRight:
			current = combine(current, el.Hash)
		}
	}
	return current == root, nil
}
