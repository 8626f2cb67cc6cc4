package user

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// testRepositories 記憶體實作必測；設定 MONGO_TEST_URL 時一併測 MongoDB
func testRepositories(t *testing.T) map[string]UserRepository {
	repos := map[string]UserRepository{"memory": NewMemoryUserStore()}

	url := os.Getenv("MONGO_TEST_URL")
	if url == "" {
		return repos
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		t.Fatalf("連接 MongoDB 失敗: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("MongoDB 不可用: %v", err)
	}

	db := client.Database("collection_gateway_test_" + bson.NewObjectID().Hex())
	_, err = db.Collection(CollectionName).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		t.Fatalf("創建索引失敗: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	repos["mongo"] = NewUserStore(db)
	return repos
}

func TestUserRepository(t *testing.T) {
	for name, repo := range testRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			u := NewUser("  Editor@Example.com ", "Editor")
			u.PasswordHash = "hash-1"
			if err := repo.Create(ctx, u); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			if err := repo.Create(ctx, NewUser("editor@example.com", "Dup")); !errors.Is(err, ErrUserExists) {
				t.Errorf("expected ErrUserExists, got %v", err)
			}

			got, err := repo.GetByEmail(ctx, "EDITOR@example.com")
			if err != nil {
				t.Fatalf("GetByEmail failed: %v", err)
			}
			if got.Email != "editor@example.com" || got.PasswordHash != "hash-1" {
				t.Errorf("unexpected user: %+v", got)
			}

			if err := repo.UpdatePassword(ctx, "editor@example.com", "hash-2", true); err != nil {
				t.Fatalf("UpdatePassword failed: %v", err)
			}
			if err := repo.UpdateName(ctx, "editor@example.com", "Chief {Editor}"); err != nil {
				t.Fatalf("UpdateName failed: %v", err)
			}
			if err := repo.TouchLogin(ctx, "editor@example.com"); err != nil {
				t.Fatalf("TouchLogin failed: %v", err)
			}

			got, _ = repo.GetByEmail(ctx, "editor@example.com")
			if got.PasswordHash != "hash-2" || !got.TemporaryPassword {
				t.Errorf("password not updated: %+v", got)
			}
			if got.Name != "Chief Editor" {
				t.Errorf("name = %q", got.Name)
			}
			if got.LastLoginAt == nil {
				t.Error("last login not recorded")
			}

			if err := repo.UpdatePassword(ctx, "missing@example.com", "x", false); !errors.Is(err, ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestUserRepository_ListAndDelete(t *testing.T) {
	for name, repo := range testRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, email := range []string{"c@example.com", "a@example.com", "b@example.com"} {
				if err := repo.Create(ctx, NewUser(email, "")); err != nil {
					t.Fatalf("Create %s failed: %v", email, err)
				}
			}

			users, err := repo.List(ctx, 2, 0)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(users) != 2 || users[0].Email != "a@example.com" || users[1].Email != "b@example.com" {
				t.Errorf("unexpected first page: %v", emails(users))
			}

			users, _ = repo.List(ctx, 2, 2)
			if len(users) != 1 || users[0].Email != "c@example.com" {
				t.Errorf("unexpected second page: %v", emails(users))
			}

			if err := repo.Delete(ctx, "b@example.com"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := repo.Delete(ctx, "b@example.com"); !errors.Is(err, ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
			if _, err := repo.GetByEmail(ctx, "b@example.com"); !errors.Is(err, ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestCreate_InvalidEmail(t *testing.T) {
	repo := NewMemoryUserStore()
	if err := repo.Create(context.Background(), NewUser("$ne", "")); err == nil {
		t.Error("expected error for invalid email")
	}
}

func emails(users []*User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Email)
	}
	return out
}
