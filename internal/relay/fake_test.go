package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// storedMessage はフェイクのメッセージ置き場所に保存されたメッセージ。
type storedMessage struct {
	msg      OutgoingMessage
	timeRead time.Time
}

// fakeState はフェイクストアの状態。トランザクション失敗時に丸ごと巻き戻す。
type fakeState struct {
	unread  map[int64]storedMessage
	read    map[int64]storedMessage
	working map[int64][]string
	ledger  map[int64]RelayRecord
	nextID  int64
}

func (s fakeState) clone() fakeState {
	working := make(map[int64][]string, len(s.working))
	for k, v := range s.working {
		working[k] = slices.Clone(v)
	}
	return fakeState{
		unread:  maps.Clone(s.unread),
		read:    maps.Clone(s.read),
		working: working,
		ledger:  maps.Clone(s.ledger),
		nextID:  s.nextID,
	}
}

// fakeStore はRelayの協調オブジェクトをメモリ上で実装するテスト用ストア。
type fakeStore struct {
	mu    sync.Mutex
	users map[string]UserRecord
	peers map[string]PeerRecord
	state fakeState

	// deliveries はDeliverの呼び出し回数。
	deliveries int
	// transitions はMarkReadの呼び出し回数。
	transitions int
	// failMarkReadOn はこのメッセージIDのMarkReadを失敗させる。
	failMarkReadOn int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]UserRecord{},
		peers: map[string]PeerRecord{},
		state: fakeState{
			unread:  map[int64]storedMessage{},
			read:    map[int64]storedMessage{},
			working: map[int64][]string{},
			ledger:  map[int64]RelayRecord{},
			nextID:  100,
		},
	}
}

func (f *fakeStore) addUser(id int64, username string) {
	f.users[username] = UserRecord{ID: id, Username: username}
}

func (f *fakeStore) addPeer(id int64, wwwroot string) {
	f.peers[wwwroot] = PeerRecord{ID: id, WWWRoot: wwwroot}
}

func (f *fakeStore) id() int64 {
	f.state.nextID++
	return f.state.nextID
}

// WithinTx はfnが失敗した場合に状態を呼び出し前へ戻す。
func (f *fakeStore) WithinTx(_ context.Context, fn func(Stores) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := f.state.clone()
	if err := fn(Stores{Directory: f, Messages: f, Ledger: f}); err != nil {
		f.state = snapshot
		return err
	}
	return nil
}

func (f *fakeStore) UserByUsername(_ context.Context, username string) (UserRecord, error) {
	u, ok := f.users[username]
	if !ok {
		return UserRecord{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) PeerByURL(_ context.Context, wwwroot string) (PeerRecord, error) {
	p, ok := f.peers[wwwroot]
	if !ok {
		return PeerRecord{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) Deliver(_ context.Context, msg OutgoingMessage) (DeliveredMessage, error) {
	f.deliveries++
	id := f.id()
	f.state.unread[id] = storedMessage{msg: msg}
	f.state.working[id] = []string{"popup"}
	return DeliveredMessage{ID: id, Location: Unread}, nil
}

func (f *fakeStore) MarkRead(_ context.Context, msg DeliveredMessage, at time.Time) (DeliveredMessage, error) {
	f.transitions++
	if msg.ID == f.failMarkReadOn {
		return DeliveredMessage{}, errors.New("既読化に失敗（テスト）")
	}
	if msg.Location != Unread {
		return DeliveredMessage{}, fmt.Errorf("メッセージ %d は未読ではない", msg.ID)
	}
	stored, ok := f.state.unread[msg.ID]
	if !ok {
		return DeliveredMessage{}, ErrNotFound
	}
	delete(f.state.unread, msg.ID)
	delete(f.state.working, msg.ID)
	stored.timeRead = at
	id := f.id()
	f.state.read[id] = stored
	return DeliveredMessage{ID: id, Location: Read}, nil
}

func (f *fakeStore) DeleteUnread(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(f.state.unread, id)
	}
	return nil
}

func (f *fakeStore) PurgePendingDelivery(_ context.Context, unreadIDs []int64) error {
	for _, id := range unreadIDs {
		delete(f.state.working, id)
	}
	return nil
}

func (f *fakeStore) DeleteRead(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(f.state.read, id)
	}
	return nil
}

func (f *fakeStore) Insert(_ context.Context, rec RelayRecord) (RelayRecord, error) {
	rec.ID = f.id()
	f.state.ledger[rec.ID] = rec
	return rec, nil
}

func (f *fakeStore) Find(_ context.Context, peerID int64, notifyType string, remoteIDs []int64) ([]RelayRecord, error) {
	var out []RelayRecord
	for _, rec := range f.state.ledger {
		if rec.PeerID == peerID && rec.Type == notifyType && slices.Contains(remoteIDs, rec.RemoteID) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b RelayRecord) int { return int(a.ID - b.ID) })
	return out, nil
}

func (f *fakeStore) Update(_ context.Context, rec RelayRecord) error {
	if _, ok := f.state.ledger[rec.ID]; !ok {
		return ErrNotFound
	}
	f.state.ledger[rec.ID] = rec
	return nil
}

func (f *fakeStore) Delete(_ context.Context, peerID int64, notifyType string, remoteIDs []int64) (int64, error) {
	var n int64
	for id, rec := range f.state.ledger {
		if rec.PeerID == peerID && rec.Type == notifyType && slices.Contains(remoteIDs, rec.RemoteID) {
			delete(f.state.ledger, id)
			n++
		}
	}
	return n, nil
}

// ledgerByRemoteID はテスト検証用に台帳の行をピア側IDで引く。
func (f *fakeStore) ledgerByRemoteID(remoteID int64) (RelayRecord, bool) {
	for _, rec := range f.state.ledger {
		if rec.RemoteID == remoteID {
			return rec, true
		}
	}
	return RelayRecord{}, false
}
