package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/apnprevent/alarmwatch/internal/extract"
)

// Catalog sentinel document ids in the configuration collection.
const (
	senderBlacklistID  = "exceptions_email"
	subjectBlacklistID = "exceptions_subjects"
)

// Patterns returns the free-text extraction rules in catalog order. The
// distinguished structured-fields entry is excluded.
func (s *Store) Patterns(ctx context.Context) ([]extract.PatternRule, error) {
	cursor, err := s.patterns.Find(ctx, bson.M{"_id": bson.M{"$ne": extract.StructuredFieldsID}})
	if err != nil {
		return nil, fmt.Errorf("find patterns: %w", err)
	}
	defer cursor.Close(ctx)

	var rules []extract.PatternRule
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("decode patterns: %w", err)
	}
	return rules, nil
}

// StructuredFields returns the label-variant map driving structured
// extraction.
func (s *Store) StructuredFields(ctx context.Context) (extract.StructuredFields, error) {
	var cfg extract.StructuredFields
	err := s.patterns.FindOne(ctx, bson.M{"_id": extract.StructuredFieldsID}).Decode(&cfg)
	if err != nil {
		return extract.StructuredFields{}, fmt.Errorf("find %s: %w", extract.StructuredFieldsID, err)
	}
	return cfg, nil
}

// SenderBlacklist returns the deny-listed sender addresses, nil when the
// catalog carries none.
func (s *Store) SenderBlacklist(ctx context.Context) ([]string, error) {
	return s.blacklist(ctx, senderBlacklistID)
}

// SubjectBlacklist returns the deny-listed subject phrases, nil when the
// catalog carries none.
func (s *Store) SubjectBlacklist(ctx context.Context) ([]string, error) {
	return s.blacklist(ctx, subjectBlacklistID)
}

func (s *Store) blacklist(ctx context.Context, id string) ([]string, error) {
	var doc struct {
		Data map[string]string `bson:"data"`
	}
	err := s.configs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", id, err)
	}
	values := make([]string, 0, len(doc.Data))
	for _, v := range doc.Data {
		values = append(values, v)
	}
	return values, nil
}
