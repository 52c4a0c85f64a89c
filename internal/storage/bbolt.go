package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"atendo/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketSectors       = []byte("sectors")
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
)

const participantCacheTTL = 30 * time.Second

// Credentials is a user together with their password hash. Only the auth
// layer and the seeding commands ever see the hash.
type Credentials struct {
	models.User
	PasswordHash string
}

// BboltStorage is the persistence gateway: conversations, messages, users
// and sectors live in a single bbolt file. The store serializes its own
// writes; callers layer per-conversation critical sections on top.
type BboltStorage struct {
	db *bbolt.DB

	// Conversation participant lookups happen on every message relay, so
	// they are served from a short TTL cache invalidated on reassignment.
	participants geche.Geche[string, models.ConversationDetail]

	mu        sync.Mutex
	lastStamp int64
	now       func() time.Time
}

func NewBboltStorage(ctx context.Context, path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketSectors, bucketConversations, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{
		db:           db,
		participants: geche.NewMapTTLCache[string, models.ConversationDetail](ctx, participantCacheTTL, time.Minute),
		now:          time.Now,
	}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// stamp returns a Unix-millisecond timestamp that is strictly greater than
// any previously issued one, so sequential writes always order.
func (s *BboltStorage) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMilli()
	if ts <= s.lastStamp {
		ts = s.lastStamp + 1
	}
	s.lastStamp = ts
	return ts
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:           credentials.ID,
			Name:         credentials.Name,
			Role:         string(credentials.Role),
			SectorID:     credentials.SectorID,
			PasswordHash: credentials.PasswordHash,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// FindCredentialsByName scans for a user by login name. Names are unique by
// convention; the first match wins.
func (s *BboltStorage) FindCredentialsByName(name string) (Credentials, error) {
	var creds Credentials
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			if found {
				return nil
			}
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Name == name {
				creds = Credentials{User: dbUser.toModel(), PasswordHash: dbUser.PasswordHash}
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return Credentials{}, err
	}
	if !found {
		return Credentials{}, fmt.Errorf("user %q: %w", name, models.ErrNotFound)
	}
	return creds, nil
}

func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

// ListAgentsInSector returns every agent affiliated with the sector,
// regardless of presence. The caller cross-references the live registry.
func (s *BboltStorage) ListAgentsInSector(sectorID string) ([]models.User, error) {
	all, err := s.ListUsers()
	if err != nil {
		return nil, err
	}
	var agents []models.User
	for _, u := range all {
		if u.Role == models.RoleAgent && u.SectorID == sectorID {
			agents = append(agents, u)
		}
	}
	return agents, nil
}

func (s *BboltStorage) UpsertSector(sector models.Sector) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbSector := &DBSector{ID: sector.ID, Name: sector.Name}
		data, err := dbSector.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSectors).Put(dbSector.Key(), data)
	})
}

func (s *BboltStorage) GetSector(id string) (models.Sector, error) {
	var sector models.Sector
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSectors).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sector %s: %w", id, models.ErrNotFound)
		}
		var dbSector DBSector
		if err := dbSector.UnmarshalBinary(data); err != nil {
			return err
		}
		sector = models.Sector{ID: dbSector.ID, Name: dbSector.Name}
		return nil
	})
	return sector, err
}

func (s *BboltStorage) ListSectors() ([]models.Sector, error) {
	var sectors []models.Sector
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSectors).ForEach(func(k, v []byte) error {
			var dbSector DBSector
			if err := dbSector.UnmarshalBinary(v); err != nil {
				return err
			}
			sectors = append(sectors, models.Sector{ID: dbSector.ID, Name: dbSector.Name})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sectors, func(i, j int) bool { return sectors[i].ID < sectors[j].ID })
	return sectors, nil
}

// InsertConversation persists a new pending, unassigned conversation.
func (s *BboltStorage) InsertConversation(clientID, sectorID string) (models.Conversation, error) {
	conv := models.Conversation{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		SectorID:  sectorID,
		Status:    models.StatusPending,
		CreatedAt: s.stamp(),
	}
	conv.UpdatedAt = conv.CreatedAt

	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbConv := convToDB(conv)
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConversations).Put(dbConv.Key(), data)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv = dbConv.toModel()
		return nil
	})
	return conv, err
}

// UpdateConversationAgent rebinds the conversation's agent reference and
// status. An empty agentID clears the assignment. The status transition must
// be monotonic.
func (s *BboltStorage) UpdateConversationAgent(id, agentID string, status models.ConversationStatus) error {
	defer func() { _ = s.participants.Del(id) }()
	return s.updateConversation(id, func(c *DBConversation) error {
		if !models.ConversationStatus(c.Status).CanTransitionTo(status) {
			return fmt.Errorf("cannot move conversation from %s to %s: %w", c.Status, status, models.ErrValidation)
		}
		c.AgentID = agentID
		c.Status = string(status)
		return nil
	})
}

// MoveConversationToSector re-routes an active conversation to another
// sector's pool: the sector reference is updated, the agent cleared and the
// conversation re-enters the pending queue.
func (s *BboltStorage) MoveConversationToSector(id, sectorID string) error {
	defer func() { _ = s.participants.Del(id) }()
	return s.updateConversation(id, func(c *DBConversation) error {
		if !models.ConversationStatus(c.Status).CanTransitionTo(models.StatusPending) {
			return fmt.Errorf("cannot re-queue conversation in status %s: %w", c.Status, models.ErrValidation)
		}
		c.SectorID = sectorID
		c.AgentID = ""
		c.Status = string(models.StatusPending)
		return nil
	})
}

// UpdateConversationStatus advances the lifecycle (close, rate). Rating is
// only stored with StatusRated.
func (s *BboltStorage) UpdateConversationStatus(id string, status models.ConversationStatus, rating int) error {
	defer func() { _ = s.participants.Del(id) }()
	return s.updateConversation(id, func(c *DBConversation) error {
		if !models.ConversationStatus(c.Status).CanTransitionTo(status) {
			return fmt.Errorf("cannot move conversation from %s to %s: %w", c.Status, status, models.ErrValidation)
		}
		c.Status = string(status)
		if status == models.StatusRated {
			c.Rating = rating
		}
		return nil
	})
}

func (s *BboltStorage) updateConversation(id string, mutate func(*DBConversation) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if err := mutate(dbConv); err != nil {
			return err
		}
		dbConv.UpdatedAt = s.stamp()
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConversations).Put(dbConv.Key(), data)
	})
}

// InsertMessage appends a message to the conversation. The sequence number
// and a strictly increasing timestamp are assigned inside the transaction.
func (s *BboltStorage) InsertMessage(conversationID, senderID string, kind models.SenderKind, content string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}

		dbConv.LastSeq++
		ts := s.stamp()
		if ts <= dbConv.LastTS {
			ts = dbConv.LastTS + 1
		}
		dbConv.LastTS = ts
		dbConv.UpdatedAt = ts

		dbMsg := &DBMessage{
			Seq:            dbConv.LastSeq,
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderKind:     string(kind),
			Content:        snappy.Encode(nil, []byte(content)),
			Timestamp:      ts,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation message bucket: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		convData, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConversations).Put(dbConv.Key(), convData); err != nil {
			return err
		}

		msg = models.Message{
			Seq:            dbMsg.Seq,
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderKind:     kind,
			Content:        content,
			Timestamp:      ts,
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the conversation's messages with from <= seq <= to,
// in sequence order.
func (s *BboltStorage) ListMessages(conversationID string, from, to int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // no messages yet
		}

		c := convBucket.Cursor()
		minKey := make([]byte, 8)
		binary.BigEndian.PutUint64(minKey, uint64(from))
		maxKey := make([]byte, 8)
		binary.BigEndian.PutUint64(maxKey, uint64(to))

		for k, v := c.Seek(minKey); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			content, err := snappy.Decode(nil, dbMsg.Content)
			if err != nil {
				return fmt.Errorf("failed to decompress message %d: %w", dbMsg.Seq, err)
			}
			messages = append(messages, models.Message{
				Seq:            dbMsg.Seq,
				ConversationID: dbMsg.ConversationID,
				SenderID:       dbMsg.SenderID,
				SenderKind:     models.SenderKind(dbMsg.SenderKind),
				Content:        string(content),
				Timestamp:      dbMsg.Timestamp,
			})
		}
		return nil
	})
	return messages, err
}

// GetConversationWithParticipants returns the conversation joined with
// client/agent/sector display names. Results are cached briefly; every
// reassignment invalidates the entry.
func (s *BboltStorage) GetConversationWithParticipants(id string) (models.ConversationDetail, error) {
	if detail, err := s.participants.Get(id); err == nil {
		return detail, nil
	}

	var detail models.ConversationDetail
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		detail = models.ConversationDetail{Conversation: dbConv.toModel()}
		detail.ClientName = userName(tx, dbConv.ClientID)
		detail.AgentName = userName(tx, dbConv.AgentID)
		detail.SectorName = sectorName(tx, dbConv.SectorID)
		return nil
	})
	if err != nil {
		return models.ConversationDetail{}, err
	}
	s.participants.Set(id, detail)
	return detail, nil
}

// ListActiveConversations returns pending and active conversations joined
// with display names, newest-created first.
func (s *BboltStorage) ListActiveConversations() ([]models.ConversationSummary, error) {
	summaries, err := s.listSummaries(func(c *DBConversation) bool {
		status := models.ConversationStatus(c.Status)
		return status == models.StatusPending || status == models.StatusActive
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// ListConversationsByAgent returns the agent's pending and active
// conversations, newest first. Used to restore an agent's view after a
// reconnect wiped their presence entry.
func (s *BboltStorage) ListConversationsByAgent(agentID string) ([]models.ConversationSummary, error) {
	return s.listSummaries(func(c *DBConversation) bool {
		status := models.ConversationStatus(c.Status)
		return c.AgentID == agentID && (status == models.StatusPending || status == models.StatusActive)
	})
}

// CountActiveByAgent returns the number of pending+active conversations per
// assigned agent. Feeds the fewest-active selection strategy.
func (s *BboltStorage) CountActiveByAgent() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			status := models.ConversationStatus(dbConv.Status)
			if dbConv.AgentID != "" && (status == models.StatusPending || status == models.StatusActive) {
				counts[dbConv.AgentID]++
			}
			return nil
		})
	})
	return counts, err
}

func (s *BboltStorage) listSummaries(keep func(*DBConversation) bool) ([]models.ConversationSummary, error) {
	var summaries []models.ConversationSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if !keep(&dbConv) {
				return nil
			}
			summaries = append(summaries, models.ConversationSummary{
				ID:         dbConv.ID,
				Status:     models.ConversationStatus(dbConv.Status),
				ClientID:   dbConv.ClientID,
				ClientName: userName(tx, dbConv.ClientID),
				AgentID:    dbConv.AgentID,
				AgentName:  userName(tx, dbConv.AgentID),
				SectorID:   dbConv.SectorID,
				SectorName: sectorName(tx, dbConv.SectorID),
				CreatedAt:  dbConv.CreatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt != summaries[j].CreatedAt {
			return summaries[i].CreatedAt > summaries[j].CreatedAt
		}
		return summaries[i].ID > summaries[j].ID
	})
	return summaries, nil
}

func getConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbConv, nil
}

func userName(tx *bbolt.Tx, id string) string {
	if id == "" {
		return ""
	}
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return ""
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return ""
	}
	return dbUser.Name
}

func sectorName(tx *bbolt.Tx, id string) string {
	data := tx.Bucket(bucketSectors).Get([]byte(id))
	if data == nil {
		return ""
	}
	var dbSector DBSector
	if err := dbSector.UnmarshalBinary(data); err != nil {
		return ""
	}
	return dbSector.Name
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:       u.ID,
		Name:     u.Name,
		Role:     models.Role(u.Role),
		SectorID: u.SectorID,
	}
}

func convToDB(c models.Conversation) *DBConversation {
	return &DBConversation{
		ID:        c.ID,
		ClientID:  c.ClientID,
		AgentID:   c.AgentID,
		SectorID:  c.SectorID,
		Status:    string(c.Status),
		Rating:    c.Rating,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		LastSeq:   c.LastSeq,
	}
}

func (c *DBConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:        c.ID,
		ClientID:  c.ClientID,
		AgentID:   c.AgentID,
		SectorID:  c.SectorID,
		Status:    models.ConversationStatus(c.Status),
		Rating:    c.Rating,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		LastSeq:   c.LastSeq,
	}
}
