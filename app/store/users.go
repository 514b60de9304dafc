package store

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Users tracks the fixed user membership lists and the online presence set.
// The pipeline never creates or deletes users, only Seed writes the lists.
type Users struct {
	client redis.UniversalClient
}

// NewUsers makes a Users accessor on top of the given client.
func NewUsers(client redis.UniversalClient) *Users {
	return &Users{client: client}
}

// Seed writes the membership lists. Idempotent, safe to call on every start.
func (u *Users) Seed(ctx context.Context, regular, admin []string) error {
	if len(regular) > 0 {
		if err := u.client.SAdd(ctx, keyRegularUsers, toAny(regular)...).Err(); err != nil {
			return fmt.Errorf("can't seed regular users: %w", err)
		}
	}
	if len(admin) > 0 {
		if err := u.client.SAdd(ctx, keyAdminUsers, toAny(admin)...).Err(); err != nil {
			return fmt.Errorf("can't seed admin users: %w", err)
		}
	}
	log.Printf("[DEBUG] seeded users, %d regular, %d admin", len(regular), len(admin))
	return nil
}

// Login marks the user online and publishes a LOGIN event. Fails with
// ErrUserNotFound for unknown usernames and ErrAlreadyOnline for a second
// login without a logout in between.
func (u *Users) Login(ctx context.Context, username string) error {
	if err := u.checkKnown(ctx, username); err != nil {
		return err
	}
	online, err := u.client.SIsMember(ctx, keyOnlineUsers, username).Result()
	if err != nil {
		return fmt.Errorf("can't check presence of %s: %w", username, err)
	}
	if online {
		return fmt.Errorf("user %s: %w", username, ErrAlreadyOnline)
	}
	if err := u.client.SAdd(ctx, keyOnlineUsers, username).Err(); err != nil {
		return fmt.Errorf("can't mark %s online: %w", username, err)
	}
	if err := u.client.Publish(ctx, EventJournalChannel, "LOGIN: "+username).Err(); err != nil {
		return fmt.Errorf("can't publish login event for %s: %w", username, err)
	}
	return nil
}

// Logout marks the user offline and publishes a LOGOUT event. Fails with
// ErrUserNotFound for unknown usernames and ErrNotOnline if the user is not
// logged in.
func (u *Users) Logout(ctx context.Context, username string) error {
	if err := u.checkKnown(ctx, username); err != nil {
		return err
	}
	online, err := u.client.SIsMember(ctx, keyOnlineUsers, username).Result()
	if err != nil {
		return fmt.Errorf("can't check presence of %s: %w", username, err)
	}
	if !online {
		return fmt.Errorf("user %s: %w", username, ErrNotOnline)
	}
	if err := u.client.SRem(ctx, keyOnlineUsers, username).Err(); err != nil {
		return fmt.Errorf("can't mark %s offline: %w", username, err)
	}
	if err := u.client.Publish(ctx, EventJournalChannel, "LOGOUT: "+username).Err(); err != nil {
		return fmt.Errorf("can't publish logout event for %s: %w", username, err)
	}
	return nil
}

// Online returns usernames currently logged in.
func (u *Users) Online(ctx context.Context) ([]string, error) {
	res, err := u.client.SMembers(ctx, keyOnlineUsers).Result()
	if err != nil {
		return nil, fmt.Errorf("can't get online users: %w", err)
	}
	return res, nil
}

// checkKnown verifies the username is in either membership list.
func (u *Users) checkKnown(ctx context.Context, username string) error {
	for _, key := range []string{keyRegularUsers, keyAdminUsers} {
		known, err := u.client.SIsMember(ctx, key, username).Result()
		if err != nil {
			return fmt.Errorf("can't check membership of %s: %w", username, err)
		}
		if known {
			return nil
		}
	}
	return fmt.Errorf("user %s: %w", username, ErrUserNotFound)
}

func toAny(ss []string) []interface{} {
	res := make([]interface{}, len(ss))
	for i, s := range ss {
		res[i] = s
	}
	return res
}
