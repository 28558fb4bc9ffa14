package archive

import (
    "context"
    "sort"
    "sync"
    "time"
)

// memrepo is a development-only in-memory repository used when DATABASE_DRIVER=memory.
type memrepo struct {
    mu sync.RWMutex

    nextID int64

    games   map[string]*Game   // match id -> game
    ratings map[string]*Rating // userID|speed -> rating
}

func NewMemoryRepository() Repository {
    return &memrepo{
        games:   make(map[string]*Game),
        ratings: make(map[string]*Rating),
    }
}

func ratingKey(userID, speed string) string { return userID + "|" + speed }

func (m *memrepo) InsertGame(ctx context.Context, g *Game) (bool, error) {
    if g == nil { return false, nil }
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, exists := m.games[g.MatchID]; exists { return false, nil }
    m.nextID++
    cp := *g
    cp.ID = m.nextID
    cp.Moves = append(Moves{}, g.Moves...)
    m.games[g.MatchID] = &cp
    return true, nil
}

func (m *memrepo) GetGame(ctx context.Context, matchID string) (*Game, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    g, ok := m.games[matchID]
    if !ok { return nil, ErrNotFound }
    cp := *g
    return &cp, nil
}

func (m *memrepo) userGames(userID string) []Game {
    out := []Game{}
    for _, g := range m.games {
        if g.WhiteUserID == userID || g.BlackUserID == userID { out = append(out, *g) }
    }
    return out
}

func (m *memrepo) ListByUser(ctx context.Context, userID string, limit int) ([]Game, error) {
    m.mu.RLock()
    out := m.userGames(userID)
    m.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool {
        if out[i].EndedAt != out[j].EndedAt { return out[i].EndedAt > out[j].EndedAt }
        return out[i].ID > out[j].ID
    })
    if n := clampLimit(limit); len(out) > n { out = out[:n] }
    return out, nil
}

func (m *memrepo) Stats(ctx context.Context, userID string) ([]Stats, error) {
    m.mu.RLock()
    games := m.userGames(userID)
    m.mu.RUnlock()
    bySpeed := map[string]*Stats{}
    for _, g := range games {
        if g.Reason == "aborted" { continue }
        st, ok := bySpeed[g.Speed]
        if !ok { st = &Stats{Speed: g.Speed}; bySpeed[g.Speed] = st }
        st.Games++
        mine := "white"
        if g.BlackUserID == userID { mine = "black" }
        switch {
        case g.Winner == "draw": st.Draws++
        case g.Winner == mine: st.Wins++
        case g.Winner != "": st.Losses++
        }
    }
    out := make([]Stats, 0, len(bySpeed))
    for _, st := range bySpeed { out = append(out, *st) }
    sort.Slice(out, func(i, j int) bool { return out[i].Speed < out[j].Speed })
    return out, nil
}

func (m *memrepo) GetRating(ctx context.Context, userID, speed string) (*Rating, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    r, ok := m.ratings[ratingKey(userID, speed)]
    if !ok { return nil, ErrNotFound }
    cp := *r
    return &cp, nil
}

func (m *memrepo) UpsertRating(ctx context.Context, r Rating) error {
    if r.UpdatedAt == 0 { r.UpdatedAt = time.Now().UnixMilli() }
    m.mu.Lock()
    defer m.mu.Unlock()
    m.ratings[ratingKey(r.UserID, r.Speed)] = &r
    return nil
}

func (m *memrepo) UpsertRatings(ctx context.Context, rows ...Rating) error {
    for _, r := range rows {
        if err := validRating(r); err != nil { return err }
    }
    now := time.Now().UnixMilli()
    m.mu.Lock()
    defer m.mu.Unlock()
    for _, r := range rows {
        if r.UpdatedAt == 0 { r.UpdatedAt = now }
        m.ratings[ratingKey(r.UserID, r.Speed)] = &r
    }
    return nil
}

func (m *memrepo) ListRatings(ctx context.Context, userID string) ([]Rating, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    out := []Rating{}
    for _, r := range m.ratings {
        if r.UserID == userID { out = append(out, *r) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Speed < out[j].Speed })
    return out, nil
}

func (m *memrepo) Close() error { return nil }
