package store

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/tehmaze/x84/internal/database"
)

const (
	MaxHandleLength    = 20
	MinPasswordLength  = 4
	DefaultLastCallers = 100
	DefaultBcryptCost  = 12
)

// UserRecord is a copy of a user row with its groups resolved.
type UserRecord struct {
	Handle         string    `json:"handle"`
	Groups         []string  `json:"groups"`
	Location       string    `json:"location"`
	Email          string    `json:"email"`
	Calls          int       `json:"calls"`
	LastCallAt     time.Time `json:"last_call_at"`
	ElapsedMinutes int       `json:"elapsed_minutes"`
	CreatedAt      time.Time `json:"created_at"`
}

// InGroup reports whether the user belongs to any of groups.
func (u *UserRecord) InGroup(groups ...string) bool {
	return intersects(u.Groups, groups)
}

// Profile holds the optional fields of UpdateProfile. Nil leaves a field
// unchanged.
type Profile struct {
	Location  *string
	Email     *string
	PublicKey *string
}

// UserDirectory is the persistent user base together with the last-caller
// log. Every mutation runs in one transaction under the directory lock.
type UserDirectory struct {
	mu          sync.RWMutex
	db          *gorm.DB
	bcryptCost  int
	lastCallers int
	dummyHash   []byte
}

func NewUserDirectory(db *gorm.DB, bcryptCost, lastCallers int) *UserDirectory {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = DefaultBcryptCost
	}
	if lastCallers <= 0 {
		lastCallers = DefaultLastCallers
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("x84-not-a-password"), bcryptCost)
	return &UserDirectory{
		db:          db,
		bcryptCost:  bcryptCost,
		lastCallers: lastCallers,
		dummyHash:   dummy,
	}
}

func handleKey(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// ValidateHandle checks the characters and length of a new handle.
func ValidateHandle(handle string) error {
	if handle != strings.TrimSpace(handle) || handle == "" {
		return fmt.Errorf("%w: handle must not be empty or padded", ErrInvalid)
	}
	if utf8.RuneCountInString(handle) > MaxHandleLength {
		return fmt.Errorf("%w: handle longer than %d characters", ErrInvalid, MaxHandleLength)
	}
	for _, r := range handle {
		if !unicode.IsPrint(r) || r == '|' || r == ':' {
			return fmt.Errorf("%w: handle contains %q", ErrInvalid, r)
		}
	}
	return nil
}

func (d *UserDirectory) hash(password string) (string, error) {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password shorter than %d characters", ErrInvalid, MinPasswordLength)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), d.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func (d *UserDirectory) find(tx *gorm.DB, handle string) (*database.User, error) {
	var u database.User
	err := tx.Preload("Groups").Where("handle_key = ?", handleKey(handle)).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func toRecord(u *database.User) *UserRecord {
	groups := make([]string, 0, len(u.Groups))
	for _, g := range u.Groups {
		groups = append(groups, g.Name)
	}
	sort.Strings(groups)
	return &UserRecord{
		Handle:         u.Handle,
		Groups:         groups,
		Location:       u.Location,
		Email:          u.Email,
		Calls:          u.Calls,
		LastCallAt:     u.LastCallAt,
		ElapsedMinutes: u.ElapsedMinutes,
		CreatedAt:      u.CreatedAt,
	}
}

// Create adds a user. A handle that already exists in any letter case is a
// StateConflict.
func (d *UserDirectory) Create(handle, password string, groups ...string) (*UserRecord, error) {
	if err := ValidateHandle(handle); err != nil {
		return nil, err
	}
	hash, err := d.hash(password)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	u := database.User{Handle: handle, HandleKey: handleKey(handle), PasswordHash: hash}
	for _, g := range normalizeList(groups) {
		u.Groups = append(u.Groups, database.UserGroup{Name: g})
	}
	err = d.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&database.User{}).Where("handle_key = ?", u.HandleKey).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return conflict("create user", "handle %q is taken", handle)
		}
		return tx.Create(&u).Error
	})
	if err != nil {
		return nil, err
	}
	return toRecord(&u), nil
}

// Exists reports whether handle is registered.
func (d *UserDirectory) Exists(handle string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var count int64
	d.db.Model(&database.User{}).Where("handle_key = ?", handleKey(handle)).Count(&count)
	return count > 0
}

func (d *UserDirectory) Get(handle string) (*UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, err := d.find(d.db, handle)
	if err != nil {
		return nil, err
	}
	return toRecord(u), nil
}

// Authenticate checks a password. Unknown handles cost the same bcrypt
// comparison as known ones.
func (d *UserDirectory) Authenticate(handle, password string) (*UserRecord, error) {
	d.mu.RLock()
	u, err := d.find(d.db, handle)
	d.mu.RUnlock()

	if errors.Is(err, ErrNotFound) {
		bcrypt.CompareHashAndPassword(d.dummyHash, []byte(password))
		return nil, &AuthError{Handle: handle, Reason: "no such user"}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", handle, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, &AuthError{Handle: handle, Reason: "bad password"}
	}
	return toRecord(u), nil
}

// AuthenticateKey checks key against the user's authorized public key.
func (d *UserDirectory) AuthenticateKey(handle string, key ssh.PublicKey) (*UserRecord, error) {
	d.mu.RLock()
	u, err := d.find(d.db, handle)
	d.mu.RUnlock()

	if errors.Is(err, ErrNotFound) {
		return nil, &AuthError{Handle: handle, Reason: "no such user"}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", handle, err)
	}
	if u.PublicKey == "" {
		return nil, &AuthError{Handle: handle, Reason: "no public key on file"}
	}
	stored, _, _, _, err := ssh.ParseAuthorizedKey([]byte(u.PublicKey))
	if err != nil {
		return nil, &AuthError{Handle: handle, Reason: "stored public key unreadable"}
	}
	if !bytes.Equal(stored.Marshal(), key.Marshal()) {
		return nil, &AuthError{Handle: handle, Reason: "public key mismatch"}
	}
	return toRecord(u), nil
}

// RecordLogin bumps the call counter and appends to the last-caller log in
// the same transaction, pruning the log to its retention bound.
func (d *UserDirectory) RecordLogin(handle, protocol, remote string) (*UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rec *UserRecord
	err := d.db.Transaction(func(tx *gorm.DB) error {
		u, err := d.find(tx, handle)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := tx.Model(u).Updates(map[string]any{
			"calls":        gorm.Expr("calls + 1"),
			"last_call_at": now,
		}).Error; err != nil {
			return err
		}
		u.Calls++
		u.LastCallAt = now

		entry := database.LastCall{Handle: u.Handle, Location: u.Location, Protocol: protocol, Remote: remote}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		keep := tx.Model(&database.LastCall{}).Select("id").Order("id DESC").Limit(d.lastCallers)
		if err := tx.Where("id NOT IN (?)", keep).Delete(&database.LastCall{}).Error; err != nil {
			return err
		}
		rec = toRecord(u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record login %q: %w", handle, err)
	}
	return rec, nil
}

// LastCallers returns up to n entries of the last-caller log, newest first.
func (d *UserDirectory) LastCallers(n int) ([]database.LastCall, error) {
	if n <= 0 || n > d.lastCallers {
		n = d.lastCallers
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []database.LastCall
	err := d.db.Order("id DESC").Limit(n).Find(&out).Error
	return out, err
}

func (d *UserDirectory) UpdateProfile(handle string, p Profile) error {
	updates := map[string]any{}
	if p.Location != nil {
		updates["location"] = strings.TrimSpace(*p.Location)
	}
	if p.Email != nil {
		updates["email"] = strings.TrimSpace(*p.Email)
	}
	if p.PublicKey != nil {
		key := strings.TrimSpace(*p.PublicKey)
		if key != "" {
			if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
				return fmt.Errorf("%w: public key: %v", ErrInvalid, err)
			}
		}
		updates["public_key"] = key
	}
	if len(updates) == 0 {
		return nil
	}
	return d.update(handle, updates)
}

func (d *UserDirectory) SetPassword(handle, password string) error {
	hash, err := d.hash(password)
	if err != nil {
		return err
	}
	return d.update(handle, map[string]any{"password_hash": hash})
}

// AddElapsed adds minutes spent inside a door to the user's total.
func (d *UserDirectory) AddElapsed(handle string, minutes int) error {
	if minutes <= 0 {
		return nil
	}
	return d.update(handle, map[string]any{"elapsed_minutes": gorm.Expr("elapsed_minutes + ?", minutes)})
}

func (d *UserDirectory) update(handle string, updates map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.db.Model(&database.User{}).Where("handle_key = ?", handleKey(handle)).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Groups returns a copy of the user's groups as of now. Unknown handles
// have no groups.
func (d *UserDirectory) Groups(handle string) []string {
	rec, err := d.Get(handle)
	if err != nil {
		return nil
	}
	return rec.Groups
}

func (d *UserDirectory) AddGroup(handle, group string) error {
	group = handleKey(group)
	if group == "" {
		return fmt.Errorf("%w: empty group", ErrInvalid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Transaction(func(tx *gorm.DB) error {
		u, err := d.find(tx, handle)
		if err != nil {
			return err
		}
		return tx.Where(database.UserGroup{UserID: u.ID, Name: group}).FirstOrCreate(&database.UserGroup{}).Error
	})
}

func (d *UserDirectory) RemoveGroup(handle, group string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Transaction(func(tx *gorm.DB) error {
		u, err := d.find(tx, handle)
		if err != nil {
			return err
		}
		return tx.Where("user_id = ? AND name = ?", u.ID, handleKey(group)).Delete(&database.UserGroup{}).Error
	})
}

// List returns every user ordered by handle.
func (d *UserDirectory) List() ([]UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var users []database.User
	if err := d.db.Preload("Groups").Order("handle_key").Find(&users).Error; err != nil {
		return nil, err
	}
	out := make([]UserRecord, 0, len(users))
	for i := range users {
		out = append(out, *toRecord(&users[i]))
	}
	return out, nil
}

func normalizeList(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
