package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	Name         string `msgpack:"name"`
	Role         string `msgpack:"role"`
	SectorID     string `msgpack:"sectorId"`
	PasswordHash string `msgpack:"passwordHash"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBSector struct {
	ID   string `msgpack:"id"`
	Name string `msgpack:"name"`
}

func (s *DBSector) Key() []byte {
	return []byte(s.ID)
}

func (s *DBSector) MarshalBinary() (data []byte, err error) {
	type alias DBSector
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSector) UnmarshalBinary(data []byte) error {
	type alias DBSector
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBConversation struct {
	ID        string `msgpack:"id"`
	ClientID  string `msgpack:"clientId"`
	AgentID   string `msgpack:"agentId"`
	SectorID  string `msgpack:"sectorId"`
	Status    string `msgpack:"status"`
	Rating    int    `msgpack:"rating"`
	CreatedAt int64  `msgpack:"createdAt"`
	UpdatedAt int64  `msgpack:"updatedAt"`
	LastSeq   int64  `msgpack:"lastSeq"`
	LastTS    int64  `msgpack:"lastTs"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

// DBMessage holds the message body snappy-compressed; messages dominate the
// data volume and compress well.
type DBMessage struct {
	Seq            int64  `msgpack:"seq"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	SenderKind     string `msgpack:"senderKind"`
	Content        []byte `msgpack:"content"`
	Timestamp      int64  `msgpack:"timestamp"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
