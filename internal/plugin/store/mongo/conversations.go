package mongo

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type messageDoc struct {
	Role    string `bson:"role"`
	Content string `bson:"content"`
}

// convDoc keeps lower-cased copies of the searchable text next to the record so
// that substring search runs inside the database.
type convDoc struct {
	ID           string         `bson:"_id"`
	UserID       string         `bson:"user_id"`
	Messages     []messageDoc   `bson:"messages"`
	Metadata     map[string]any `bson:"metadata"`
	MessageText  string         `bson:"message_text"`
	MetadataText string         `bson:"metadata_text"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

type summaryDoc struct {
	ID           string         `bson:"_id"`
	Metadata     map[string]any `bson:"metadata"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
	MessageCount int            `bson:"message_count"`
}

func toMessageDocs(msgs []model.Message) []messageDoc {
	out := make([]messageDoc, len(msgs))
	for i, m := range msgs {
		out[i] = messageDoc{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (d *convDoc) toModel() *model.Conversation {
	msgs := make([]model.Message, len(d.Messages))
	for i, m := range d.Messages {
		msgs[i] = model.Message{Role: model.Role(m.Role), Content: m.Content}
	}
	return &model.Conversation{
		ID:        d.ID,
		OwnerID:   d.UserID,
		Messages:  msgs,
		Metadata:  normalizeMap(d.Metadata),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// now is truncated to the millisecond precision of BSON dates.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func ownedFilter(id, ownerID string) bson.D {
	return bson.D{{Key: "_id", Value: id}, {Key: "user_id", Value: ownerID}}
}

func (s *MongoStore) PutConversation(ctx context.Context, conv *model.Conversation) error {
	ts := now()
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "messages", Value: toMessageDocs(conv.Messages)},
			{Key: "metadata", Value: conv.Metadata},
			{Key: "message_text", Value: model.MessageText(conv.Messages)},
			{Key: "metadata_text", Value: model.MetadataText(conv.Metadata)},
			{Key: "updated_at", Value: ts},
		}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: ts}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc convDoc
	var err error
	// Two concurrent upserts of a new id race on the insert; the loser retries as an update.
	for attempt := 0; attempt < 2; attempt++ {
		err = s.conversations().FindOneAndUpdate(ctx, ownedFilter(conv.ID, conv.OwnerID), update, opts).Decode(&doc)
		if err == nil || !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// The id exists under another owner.
			return registrystore.ConversationNotFound(conv.ID)
		}
		return registrystore.Unavailable("put conversation", err)
	}
	conv.CreatedAt = doc.CreatedAt.UTC()
	conv.UpdatedAt = doc.UpdatedAt.UTC()
	return nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, registrystore.ConversationNotFound(id)
	}
	if err != nil {
		return nil, registrystore.Unavailable("get conversation", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]model.ConversationSummary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "user_id", Value: ownerID}}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}}},
		{{Key: "$skip", Value: int64(offset)}},
		{{Key: "$limit", Value: int64(limit)}},
		{{Key: "$project", Value: bson.D{
			{Key: "metadata", Value: 1},
			{Key: "created_at", Value: 1},
			{Key: "updated_at", Value: 1},
			{Key: "message_count", Value: bson.D{{Key: "$size", Value: bson.D{
				{Key: "$ifNull", Value: bson.A{"$messages", bson.A{}}},
			}}}},
		}}},
	}
	cur, err := s.conversations().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, registrystore.Unavailable("list conversations", err)
	}
	var docs []summaryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, registrystore.Unavailable("list conversations", err)
	}
	out := make([]model.ConversationSummary, len(docs))
	for i, d := range docs {
		out[i] = model.ConversationSummary{
			ID:           d.ID,
			Metadata:     normalizeMap(d.Metadata),
			CreatedAt:    d.CreatedAt.UTC(),
			UpdatedAt:    d.UpdatedAt.UTC(),
			MessageCount: d.MessageCount,
		}
	}
	return out, nil
}

func (s *MongoStore) ReplaceMessages(ctx context.Context, id, ownerID string, messages []model.Message) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "messages", Value: toMessageDocs(messages)},
		{Key: "message_text", Value: model.MessageText(messages)},
		{Key: "updated_at", Value: now()},
	}}}
	res, err := s.conversations().UpdateOne(ctx, ownedFilter(id, ownerID), update)
	if err != nil {
		return registrystore.Unavailable("replace messages", err)
	}
	if res.MatchedCount == 0 {
		return registrystore.ConversationNotFound(id)
	}
	return nil
}

// AppendMessages is one pipeline update on one document, so concurrent appends
// never lose each other's messages. $literal keeps "$"-prefixed content from
// being read as field paths.
func (s *MongoStore) AppendMessages(ctx context.Context, id, ownerID string, messages []model.Message) error {
	set := bson.D{
		{Key: "messages", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$messages", bson.A{}}}},
			bson.D{{Key: "$literal", Value: toMessageDocs(messages)}},
		}}}},
		{Key: "updated_at", Value: now()},
	}
	if len(messages) > 0 {
		set = append(set, bson.E{Key: "message_text", Value: bson.D{{Key: "$concat", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$message_text", ""}}},
			bson.D{{Key: "$literal", Value: model.TextSeparator + model.MessageText(messages)}},
		}}}})
	}
	res, err := s.conversations().UpdateOne(ctx, ownedFilter(id, ownerID), mongo.Pipeline{{{Key: "$set", Value: set}}})
	if err != nil {
		return registrystore.Unavailable("append messages", err)
	}
	if res.MatchedCount == 0 {
		return registrystore.ConversationNotFound(id)
	}
	return nil
}

func (s *MongoStore) DeleteConversation(ctx context.Context, id, ownerID string) (bool, error) {
	res, err := s.conversations().DeleteOne(ctx, ownedFilter(id, ownerID))
	if err != nil {
		return false, registrystore.Unavailable("delete conversation", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]model.SearchMatch, error) {
	var filter bson.D
	var opts *options.FindOptionsBuilder
	if s.fulltext {
		filter = bson.D{
			{Key: "user_id", Value: ownerID},
			{Key: "$text", Value: bson.D{{Key: "$search", Value: query}}},
		}
		opts = options.Find().
			SetProjection(bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "textScore"}}}}).
			SetSort(bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "textScore"}}}}).
			SetLimit(int64(limit))
	} else {
		pattern := bson.Regex{Pattern: regexp.QuoteMeta(query)}
		filter = bson.D{
			{Key: "user_id", Value: ownerID},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "message_text", Value: pattern}},
				bson.D{{Key: "metadata_text", Value: pattern}},
			}},
		}
		opts = options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(limit))
	}

	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, registrystore.Unavailable("search conversations", err)
	}
	var docs []convDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, registrystore.Unavailable("search conversations", err)
	}
	out := make([]model.SearchMatch, len(docs))
	for i := range docs {
		conv := docs[i].toModel()
		matched, _ := model.Match(conv, query)
		out[i] = model.NewSearchMatch(conv, matched)
	}
	return out, nil
}

// normalizeMap turns nested BSON documents and arrays into plain maps and slices
// so metadata serializes to the same JSON it was stored from.
func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case bson.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}
