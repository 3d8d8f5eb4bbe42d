package app

import (
	"fmt"

	"whispr/pkg/domain"
)

// userOrSeedLocked returns the stored user or an unsaved one carrying the
// new-user bonus. created reports which.
func (a *App) userOrSeedLocked(p domain.Principal) (user domain.User, created bool, err error) {
	u, ok, err := a.store.GetUser(p)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("load user: %w", err)
	}
	if ok {
		return u, false, nil
	}
	return domain.User{ID: p, TokenBalance: newUserBonus, ReportsSubmitted: []uint64{}}, true, nil
}

func (a *App) existingUserLocked(p domain.Principal) (domain.User, error) {
	u, ok, err := a.store.GetUser(p)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, notFound("user %s not found", p)
	}
	return u, nil
}

// materializeLocked persists a seeded user on first sight.
func (a *App) materializeLocked(p domain.Principal) (domain.User, error) {
	u, created, err := a.userOrSeedLocked(p)
	if err != nil {
		return domain.User{}, err
	}
	if created {
		if err := a.store.PutUser(u); err != nil {
			return domain.User{}, fmt.Errorf("save user: %w", err)
		}
		a.logger.Info("user created", "user_id", string(p), "balance", u.TokenBalance)
	}
	return u, nil
}

// Balance returns the caller's token balance. Anonymous callers always
// have zero; anyone else is credited the new-user bonus on first query.
func (a *App) Balance(caller domain.Principal) (uint64, error) {
	if caller.IsAnonymous() {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	u, err := a.materializeLocked(caller)
	if err != nil {
		return 0, err
	}
	return u.TokenBalance, nil
}

func (a *App) UserInfo(caller domain.Principal) (domain.User, error) {
	if err := requireCaller(caller); err != nil {
		return domain.User{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.materializeLocked(caller)
}

// Transfer moves amount tokens from the caller to another identity,
// creating the recipient with an empty balance if needed.
func (a *App) Transfer(caller, to domain.Principal, amount uint64) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if to.IsAnonymous() {
		return invalid("recipient is required")
	}
	if to == caller {
		return invalid("cannot transfer to yourself")
	}
	if amount == 0 {
		return invalid("amount must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	from, err := a.existingUserLocked(caller)
	if err != nil {
		return err
	}
	if from.TokenBalance < amount {
		return insufficient(from.TokenBalance, amount)
	}
	dest, ok, err := a.store.GetUser(to)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !ok {
		dest = domain.User{ID: to, ReportsSubmitted: []uint64{}}
	}
	from.TokenBalance -= amount
	dest.TokenBalance += amount
	if err := a.store.PutUsers(from, dest); err != nil {
		return fmt.Errorf("save transfer: %w", err)
	}
	a.logger.Info("tokens transferred", "from", string(caller), "to", string(to), "amount", amount)
	return nil
}
