package api

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mvds-io/NextKalk-sub000/pkg/database"
	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// memRepo is an in-memory planner.Repository for one or more prefixes.
type memRepo struct {
	mu        sync.Mutex
	nextID    int64
	vann      map[string]map[int64]planner.Vann
	lps       map[string]map[int64]planner.Landingsplass
	assocs    map[string][]planner.Association
	listCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{
		nextID: 100,
		vann:   map[string]map[int64]planner.Vann{},
		lps:    map[string]map[int64]planner.Landingsplass{},
		assocs: map[string][]planner.Association{},
	}
}

func (m *memRepo) id() int64 { m.nextID++; return m.nextID }

func (m *memRepo) table(prefix string) (map[int64]planner.Vann, map[int64]planner.Landingsplass) {
	if m.vann[prefix] == nil {
		m.vann[prefix] = map[int64]planner.Vann{}
		m.lps[prefix] = map[int64]planner.Landingsplass{}
	}
	return m.vann[prefix], m.lps[prefix]
}

func (m *memRepo) ListVann(_ context.Context, prefix string) ([]planner.Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	vs, _ := m.table(prefix)
	out := make([]planner.Vann, 0, len(vs))
	for _, v := range vs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) GetVann(_ context.Context, prefix string, id int64) (planner.Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, _ := m.table(prefix)
	v, ok := vs[id]
	if !ok {
		return planner.Vann{}, planner.ErrNotFound
	}
	return v, nil
}

func (m *memRepo) CreateVann(_ context.Context, prefix string, v planner.Vann) (planner.Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, _ := m.table(prefix)
	v.ID = m.id()
	vs[v.ID] = v
	return v, nil
}

func (m *memRepo) UpdateVann(_ context.Context, prefix string, v planner.Vann) (planner.Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, _ := m.table(prefix)
	if _, ok := vs[v.ID]; !ok {
		return planner.Vann{}, planner.ErrNotFound
	}
	vs[v.ID] = v
	return v, nil
}

func (m *memRepo) DeleteVann(_ context.Context, prefix string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, _ := m.table(prefix)
	if _, ok := vs[id]; !ok {
		return planner.ErrNotFound
	}
	delete(vs, id)
	return nil
}

func (m *memRepo) SetVannDone(_ context.Context, prefix string, id int64, done bool, by string, at int64) (planner.Vann, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, _ := m.table(prefix)
	v, ok := vs[id]
	if !ok {
		return planner.Vann{}, planner.ErrNotFound
	}
	v.Done, v.DoneBy, v.DoneAt = done, by, at
	if !done {
		v.DoneBy, v.DoneAt = "", 0
	}
	vs[id] = v
	return v, nil
}

func (m *memRepo) ImportVann(ctx context.Context, prefix string, rows []planner.Vann) (int, error) {
	for _, v := range rows {
		if _, err := m.CreateVann(ctx, prefix, v); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

func (m *memRepo) ListLandingsplasser(_ context.Context, prefix string) ([]planner.Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ls := m.table(prefix)
	out := make([]planner.Landingsplass, 0, len(ls))
	for _, lp := range ls {
		out = append(out, lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) GetLandingsplass(_ context.Context, prefix string, id int64) (planner.Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ls := m.table(prefix)
	lp, ok := ls[id]
	if !ok {
		return planner.Landingsplass{}, planner.ErrNotFound
	}
	return lp, nil
}

func (m *memRepo) CreateLandingsplass(_ context.Context, prefix string, lp planner.Landingsplass) (planner.Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ls := m.table(prefix)
	lp.ID = m.id()
	ls[lp.ID] = lp
	return lp, nil
}

func (m *memRepo) UpdateLandingsplass(_ context.Context, prefix string, lp planner.Landingsplass) (planner.Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ls := m.table(prefix)
	if _, ok := ls[lp.ID]; !ok {
		return planner.Landingsplass{}, planner.ErrNotFound
	}
	ls[lp.ID] = lp
	return lp, nil
}

func (m *memRepo) DeleteLandingsplass(_ context.Context, prefix string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ls := m.table(prefix)
	if _, ok := ls[id]; !ok {
		return planner.ErrNotFound
	}
	delete(ls, id)
	return nil
}

func (m *memRepo) SetLandingsplassDone(_ context.Context, prefix string, id int64, done bool, by string, at int64) (planner.Landingsplass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ls := m.table(prefix)
	lp, ok := ls[id]
	if !ok {
		return planner.Landingsplass{}, planner.ErrNotFound
	}
	lp.Done, lp.DoneBy, lp.DoneAt = done, by, at
	ls[id] = lp
	return lp, nil
}

func (m *memRepo) ListAssociations(_ context.Context, prefix string) ([]planner.Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]planner.Association(nil), m.assocs[prefix]...), nil
}

func (m *memRepo) AddAssociation(_ context.Context, prefix string, a planner.Association) (planner.Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	m.assocs[prefix] = append(m.assocs[prefix], a)
	return a, nil
}

func (m *memRepo) RemoveAssociation(_ context.Context, prefix string, lpID, vannID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.assocs[prefix]
	for i, a := range list {
		if a.LandingsplassID == lpID && a.VannID == vannID {
			m.assocs[prefix] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return planner.ErrNotFound
}

func (m *memRepo) ListTableSets(context.Context) ([]planner.TableSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []planner.TableSet
	for prefix, vs := range m.vann {
		out = append(out, planner.TableSet{Prefix: prefix, VannCount: len(vs), LandingsplassCount: len(m.lps[prefix]), AssociationCount: len(m.assocs[prefix])})
	}
	return out, nil
}

func (m *memRepo) CreateTableSet(_ context.Context, prefix, copyFrom string, reset bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vann[prefix]; ok {
		return database.ErrTableSetExists
	}
	vs, ls := m.table(prefix)
	for id, v := range m.vann[copyFrom] {
		if reset {
			v.Done, v.DoneAt, v.DoneBy = false, 0, ""
		}
		vs[id] = v
	}
	for id, lp := range m.lps[copyFrom] {
		ls[id] = lp
	}
	m.assocs[prefix] = append([]planner.Association(nil), m.assocs[copyFrom]...)
	return nil
}

type fakeAccounts struct {
	mu    sync.Mutex
	users map[int64]database.User
	pw    map[string]string
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		users: map[int64]database.User{
			1: {ID: 1, Email: "admin@kalk.no", Role: database.RoleAdmin},
			2: {ID: 2, Email: "pilot@kalk.no", Role: database.RoleEditor},
			3: {ID: 3, Email: "guest@kalk.no", Role: database.RoleViewer},
		},
		pw: map[string]string{"admin@kalk.no": "admin-pass", "pilot@kalk.no": "pilot-pass", "guest@kalk.no": "guest-pass"},
	}
}

func (f *fakeAccounts) Authenticate(_ context.Context, email, password string) (database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(email)
	if f.pw[email] != password || password == "" {
		return database.User{}, database.ErrInvalidCredentials
	}
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return database.User{}, database.ErrInvalidCredentials
}

func (f *fakeAccounts) UserByID(_ context.Context, id int64) (database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return database.User{}, planner.ErrNotFound
	}
	return u, nil
}

func (f *fakeAccounts) ListUsers(context.Context) ([]database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.User
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (f *fakeAccounts) CreateUser(_ context.Context, email, name, role, password string) (database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return database.User{}, database.ErrUserExists
		}
	}
	u := database.User{ID: int64(len(f.users) + 1), Email: email, Name: name, Role: role}
	f.users[u.ID] = u
	f.pw[email] = password
	return u, nil
}

func (f *fakeAccounts) UpdateUserRole(_ context.Context, id int64, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return planner.ErrNotFound
	}
	u.Role = role
	f.users[id] = u
	return nil
}

func (f *fakeAccounts) SetPassword(_ context.Context, id int64, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return planner.ErrNotFound
	}
	f.pw[u.Email] = password
	return nil
}

func (f *fakeAccounts) DeleteUser(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return planner.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []database.ActionLog
}

func (j *fakeJournal) Record(_ context.Context, e planner.LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append([]database.ActionLog{{
		ID: int64(len(j.entries) + 1), Actor: e.Actor, Action: e.Action, TargetType: e.TargetType,
		TargetID: e.TargetID, TargetName: e.TargetName, Details: e.Details, Prefix: e.Prefix,
	}}, j.entries...)
	return nil
}

func (j *fakeJournal) ListActions(_ context.Context, limit, offset int) ([]database.ActionLog, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if offset >= len(j.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(j.entries) {
		end = len(j.entries)
	}
	return append([]database.ActionLog(nil), j.entries[offset:end]...), nil
}

type fakeActive struct {
	mu  sync.Mutex
	set database.ActiveSet
}

func (f *fakeActive) ActiveTableSet(context.Context) (database.ActiveSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set, nil
}

func (f *fakeActive) SetActiveTableSet(_ context.Context, year int, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = database.ActiveSet{Year: year, Prefix: prefix}
	return nil
}

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, "", planner.ErrNotFound
	}
	return d, "", nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

type fakeDocs struct {
	mu   sync.Mutex
	docs map[int64]database.Document
}

func (f *fakeDocs) SaveDocument(ctx context.Context, blobs database.BlobStore, doc database.Document, data []byte) (database.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc.ID = int64(len(f.docs) + 1)
	doc.Size = int64(len(data))
	doc.StorageKey = doc.Prefix + "/" + doc.Filename
	if err := blobs.Put(ctx, doc.StorageKey, data, doc.ContentType); err != nil {
		return database.Document{}, err
	}
	f.docs[doc.ID] = doc
	return doc, nil
}

func (f *fakeDocs) ListDocuments(_ context.Context, prefix, targetType string, targetID int64) ([]database.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.Document
	for _, d := range f.docs {
		if d.Prefix == prefix && d.TargetType == targetType && d.TargetID == targetID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocs) GetDocument(_ context.Context, id int64) (database.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return database.Document{}, planner.ErrNotFound
	}
	return d, nil
}

func (f *fakeDocs) OpenDocument(ctx context.Context, blobs database.BlobStore, id int64) (database.Document, []byte, error) {
	f.mu.Lock()
	d, ok := f.docs[id]
	f.mu.Unlock()
	if !ok {
		return database.Document{}, nil, planner.ErrNotFound
	}
	data, _, err := blobs.Get(ctx, d.StorageKey)
	return d, data, err
}

func (f *fakeDocs) DeleteDocument(ctx context.Context, blobs database.BlobStore, id int64) error {
	f.mu.Lock()
	d, ok := f.docs[id]
	delete(f.docs, id)
	f.mu.Unlock()
	if !ok {
		return planner.ErrNotFound
	}
	return blobs.Delete(ctx, d.StorageKey)
}
