package engine

import (
	"context"
	"strconv"
	"sync"
)

// memoryStore is an in-memory Store for tests. WithTx holds the mutex
// for the whole callback and restores a snapshot when the callback
// fails, so rollback behaves like the real stores and concurrent
// transactions serialize.
type memoryStore struct {
	mutex         sync.Mutex
	accounts      map[string]Account
	pools         map[string][]string
	licenses      map[string]License
	transactions  []Transaction
	resets        []HwidReset
	adminLogs     []AdminLogEntry
	resellerCodes map[string]string
	nextTxID      int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts:      map[string]Account{},
		pools:         map[string][]string{},
		licenses:      map[string]License{},
		resellerCodes: map[string]string{},
	}
}

type memorySnapshot struct {
	accounts      map[string]Account
	pools         map[string][]string
	licenses      map[string]License
	transactions  []Transaction
	resets        []HwidReset
	adminLogs     []AdminLogEntry
	resellerCodes map[string]string
	nextTxID      int
}

func (store *memoryStore) snapshotLocked() memorySnapshot {
	accounts := make(map[string]Account, len(store.accounts))
	for id, account := range store.accounts {
		accounts[id] = account
	}
	pools := make(map[string][]string, len(store.pools))
	for id, keys := range store.pools {
		pools[id] = append([]string(nil), keys...)
	}
	licenses := make(map[string]License, len(store.licenses))
	for id, license := range store.licenses {
		licenses[id] = license
	}
	codes := make(map[string]string, len(store.resellerCodes))
	for code, owner := range store.resellerCodes {
		codes[code] = owner
	}
	return memorySnapshot{
		accounts:      accounts,
		pools:         pools,
		licenses:      licenses,
		transactions:  append([]Transaction(nil), store.transactions...),
		resets:        append([]HwidReset(nil), store.resets...),
		adminLogs:     append([]AdminLogEntry(nil), store.adminLogs...),
		resellerCodes: codes,
		nextTxID:      store.nextTxID,
	}
}

func (store *memoryStore) restoreLocked(snapshot memorySnapshot) {
	store.accounts = snapshot.accounts
	store.pools = snapshot.pools
	store.licenses = snapshot.licenses
	store.transactions = snapshot.transactions
	store.resets = snapshot.resets
	store.adminLogs = snapshot.adminLogs
	store.resellerCodes = snapshot.resellerCodes
	store.nextTxID = snapshot.nextTxID
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	snapshot := store.snapshotLocked()
	if err := fn(ctx, &memoryTxStore{store: store}); err != nil {
		store.restoreLocked(snapshot)
		return err
	}
	return nil
}

func (store *memoryStore) GetOrCreateAccount(ctx context.Context, accountID AccountID, nowUnixUTC int64) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getOrCreateAccountLocked(accountID, nowUnixUTC)
}

func (store *memoryStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getAccountLocked(accountID)
}

func (store *memoryStore) AdjustBalance(ctx context.Context, accountID AccountID, delta AmountCents) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.adjustBalanceLocked(accountID, delta)
}

func (store *memoryStore) PromoteReseller(ctx context.Context, accountID AccountID, rate CommissionBps, code string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.promoteResellerLocked(accountID, rate, code)
}

func (store *memoryStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.insertTransactionLocked(transaction)
}

func (store *memoryStore) ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.listTransactionsLocked(accountID, beforeUnixUTC, limit)
}

func (store *memoryStore) SumTransactions(ctx context.Context, accountID AccountID) (AmountCents, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.sumTransactionsLocked(accountID)
}

func (store *memoryStore) TakeKey(ctx context.Context, productID ProductID) (Key, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.takeKeyLocked(productID)
}

func (store *memoryStore) ReturnKey(ctx context.Context, productID ProductID, key Key) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.returnKeyLocked(productID, key)
}

func (store *memoryStore) AddKey(ctx context.Context, productID ProductID, key Key) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.addKeyLocked(productID, key)
}

func (store *memoryStore) CountKeys(ctx context.Context, productID ProductID) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return int64(len(store.pools[productID.String()])), nil
}

func (store *memoryStore) CreateLicense(ctx context.Context, license License) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.createLicenseLocked(license)
}

func (store *memoryStore) GetLicense(ctx context.Context, licenseID LicenseID) (License, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getLicenseLocked(licenseID)
}

func (store *memoryStore) ListLicenses(ctx context.Context, accountID AccountID) ([]License, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.listLicensesLocked(accountID)
}

func (store *memoryStore) UpdateLicenseStatus(ctx context.Context, licenseID LicenseID, from, to LicenseStatus) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.updateLicenseStatusLocked(licenseID, from, to)
}

func (store *memoryStore) SetLicenseHWID(ctx context.Context, licenseID LicenseID, hwidHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.setLicenseHWIDLocked(licenseID, hwidHash)
}

func (store *memoryStore) MarkExpired(ctx context.Context, nowUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.markExpiredLocked(nowUnixUTC)
}

func (store *memoryStore) InsertHwidReset(ctx context.Context, reset HwidReset) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.resets = append(store.resets, reset)
	return nil
}

func (store *memoryStore) CountHwidResets(ctx context.Context, licenseID LicenseID, sinceUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.countHwidResetsLocked(licenseID, sinceUnixUTC)
}

func (store *memoryStore) InsertAdminLog(ctx context.Context, entry AdminLogEntry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.adminLogs = append(store.adminLogs, entry)
	return nil
}

func (store *memoryStore) ListAdminLogs(ctx context.Context, limit int) ([]AdminLogEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.listAdminLogsLocked(limit)
}

func (store *memoryStore) CollectStatistics(ctx context.Context, monthStartUnixUTC int64, nowUnixUTC int64) (Statistics, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.collectStatisticsLocked(monthStartUnixUTC, nowUnixUTC)
}

func (store *memoryStore) getOrCreateAccountLocked(accountID AccountID, nowUnixUTC int64) (Account, error) {
	if account, ok := store.accounts[accountID.String()]; ok {
		return account, nil
	}
	account := Account{AccountID: accountID, Role: RoleUser, CreatedUnixUTC: nowUnixUTC}
	store.accounts[accountID.String()] = account
	return account, nil
}

func (store *memoryStore) getAccountLocked(accountID AccountID) (Account, error) {
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *memoryStore) adjustBalanceLocked(accountID AccountID, delta AmountCents) error {
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	if account.BalanceCents+delta < 0 {
		return ErrInsufficientFunds
	}
	account.BalanceCents += delta
	store.accounts[accountID.String()] = account
	return nil
}

func (store *memoryStore) promoteResellerLocked(accountID AccountID, rate CommissionBps, code string) error {
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	if owner, taken := store.resellerCodes[code]; taken && owner != accountID.String() {
		return ErrResellerCodeTaken
	}
	if account.ResellerCode != "" {
		delete(store.resellerCodes, account.ResellerCode)
	}
	account.Role = RoleReseller
	account.CommissionBps = rate
	account.ResellerCode = code
	store.accounts[accountID.String()] = account
	store.resellerCodes[code] = accountID.String()
	return nil
}

func (store *memoryStore) insertTransactionLocked(transaction Transaction) error {
	store.nextTxID++
	transaction.TransactionID = "tx-" + strconv.Itoa(store.nextTxID)
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *memoryStore) listTransactionsLocked(accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	listed := make([]Transaction, 0, limit)
	for index := len(store.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		transaction := store.transactions[index]
		if transaction.AccountID == accountID && transaction.CreatedUnixUTC < beforeUnixUTC {
			listed = append(listed, transaction)
		}
	}
	return listed, nil
}

func (store *memoryStore) sumTransactionsLocked(accountID AccountID) (AmountCents, error) {
	var sum AmountCents
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			sum += transaction.AmountCents
		}
	}
	return sum, nil
}

func (store *memoryStore) takeKeyLocked(productID ProductID) (Key, error) {
	keys := store.pools[productID.String()]
	if len(keys) == 0 {
		return Key{}, ErrOutOfStock
	}
	key, err := NewKey(keys[0])
	if err != nil {
		return Key{}, err
	}
	store.pools[productID.String()] = keys[1:]
	return key, nil
}

func (store *memoryStore) returnKeyLocked(productID ProductID, key Key) error {
	for _, existing := range store.pools[productID.String()] {
		if existing == key.String() {
			return nil
		}
	}
	store.pools[productID.String()] = append([]string{key.String()}, store.pools[productID.String()]...)
	return nil
}

func (store *memoryStore) addKeyLocked(productID ProductID, key Key) error {
	for _, existing := range store.pools[productID.String()] {
		if existing == key.String() {
			return ErrKeyExists
		}
	}
	for _, license := range store.licenses {
		if license.Key == key && license.Status != LicenseStatusRevoked {
			return ErrKeyExists
		}
	}
	store.pools[productID.String()] = append(store.pools[productID.String()], key.String())
	return nil
}

func (store *memoryStore) createLicenseLocked(license License) error {
	store.licenses[license.LicenseID.String()] = license
	return nil
}

func (store *memoryStore) getLicenseLocked(licenseID LicenseID) (License, error) {
	license, ok := store.licenses[licenseID.String()]
	if !ok {
		return License{}, ErrLicenseNotFound
	}
	return license, nil
}

func (store *memoryStore) listLicensesLocked(accountID AccountID) ([]License, error) {
	listed := make([]License, 0, 4)
	for _, license := range store.licenses {
		if license.AccountID == accountID {
			listed = append(listed, license)
		}
	}
	return listed, nil
}

func (store *memoryStore) updateLicenseStatusLocked(licenseID LicenseID, from, to LicenseStatus) (bool, error) {
	license, ok := store.licenses[licenseID.String()]
	if !ok || license.Status != from {
		return false, nil
	}
	license.Status = to
	store.licenses[licenseID.String()] = license
	return true, nil
}

func (store *memoryStore) setLicenseHWIDLocked(licenseID LicenseID, hwidHash string) error {
	license, ok := store.licenses[licenseID.String()]
	if !ok {
		return ErrLicenseNotFound
	}
	license.HWIDHash = hwidHash
	store.licenses[licenseID.String()] = license
	return nil
}

func (store *memoryStore) markExpiredLocked(nowUnixUTC int64) (int64, error) {
	var swept int64
	for id, license := range store.licenses {
		if license.Status == LicenseStatusActive && license.Expired(nowUnixUTC) {
			license.Status = LicenseStatusExpired
			store.licenses[id] = license
			swept++
		}
	}
	return swept, nil
}

func (store *memoryStore) countHwidResetsLocked(licenseID LicenseID, sinceUnixUTC int64) (int64, error) {
	var count int64
	for _, reset := range store.resets {
		if reset.LicenseID == licenseID && !reset.Admin && reset.CreatedUnixUTC >= sinceUnixUTC {
			count++
		}
	}
	return count, nil
}

func (store *memoryStore) listAdminLogsLocked(limit int) ([]AdminLogEntry, error) {
	listed := make([]AdminLogEntry, 0, limit)
	for index := len(store.adminLogs) - 1; index >= 0 && len(listed) < limit; index-- {
		listed = append(listed, store.adminLogs[index])
	}
	return listed, nil
}

func (store *memoryStore) collectStatisticsLocked(monthStartUnixUTC int64, nowUnixUTC int64) (Statistics, error) {
	var statistics Statistics
	statistics.TotalAccounts = int64(len(store.accounts))
	for _, account := range store.accounts {
		if account.Role == RoleReseller {
			statistics.TotalResellers++
		}
	}
	for _, license := range store.licenses {
		statistics.TotalLicenses++
		if license.Status == LicenseStatusActive && !license.Expired(nowUnixUTC) {
			statistics.ActiveLicenses++
		}
		if license.IssuedUnixUTC >= monthStartUnixUTC {
			statistics.MonthlyLicensesCount++
		}
	}
	for _, transaction := range store.transactions {
		if transaction.Reason != ReasonPurchase {
			continue
		}
		statistics.RevenueCents += transaction.AmountCents.Negated()
		if transaction.CreatedUnixUTC >= monthStartUnixUTC {
			statistics.MonthlyRevenueCents += transaction.AmountCents.Negated()
		}
	}
	return statistics, nil
}

// seedAccount installs an account directly, bypassing the service.
func (store *memoryStore) seedAccount(account Account) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.accounts[account.AccountID.String()] = account
	if account.ResellerCode != "" {
		store.resellerCodes[account.ResellerCode] = account.AccountID.String()
	}
}

// seedKeys stocks a product pool in order.
func (store *memoryStore) seedKeys(productID ProductID, keys ...string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.pools[productID.String()] = append(store.pools[productID.String()], keys...)
}

// balanceOf reads an account balance directly for assertions.
func (store *memoryStore) balanceOf(accountID AccountID) AmountCents {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.accounts[accountID.String()].BalanceCents
}

// licenseByID reads a license directly for assertions.
func (store *memoryStore) licenseByID(licenseID LicenseID) (License, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	license, ok := store.licenses[licenseID.String()]
	return license, ok
}

// memoryTxStore is the transactional view handed to WithTx callbacks.
// The memoryStore mutex is already held, so methods go straight to the
// locked internals.
type memoryTxStore struct {
	store *memoryStore
}

func (tx *memoryTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *memoryTxStore) GetOrCreateAccount(_ context.Context, accountID AccountID, nowUnixUTC int64) (Account, error) {
	return tx.store.getOrCreateAccountLocked(accountID, nowUnixUTC)
}

func (tx *memoryTxStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	return tx.store.getAccountLocked(accountID)
}

func (tx *memoryTxStore) AdjustBalance(_ context.Context, accountID AccountID, delta AmountCents) error {
	return tx.store.adjustBalanceLocked(accountID, delta)
}

func (tx *memoryTxStore) PromoteReseller(_ context.Context, accountID AccountID, rate CommissionBps, code string) error {
	return tx.store.promoteResellerLocked(accountID, rate, code)
}

func (tx *memoryTxStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	return tx.store.insertTransactionLocked(transaction)
}

func (tx *memoryTxStore) ListTransactions(_ context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return tx.store.listTransactionsLocked(accountID, beforeUnixUTC, limit)
}

func (tx *memoryTxStore) SumTransactions(_ context.Context, accountID AccountID) (AmountCents, error) {
	return tx.store.sumTransactionsLocked(accountID)
}

func (tx *memoryTxStore) TakeKey(_ context.Context, productID ProductID) (Key, error) {
	return tx.store.takeKeyLocked(productID)
}

func (tx *memoryTxStore) ReturnKey(_ context.Context, productID ProductID, key Key) error {
	return tx.store.returnKeyLocked(productID, key)
}

func (tx *memoryTxStore) AddKey(_ context.Context, productID ProductID, key Key) error {
	return tx.store.addKeyLocked(productID, key)
}

func (tx *memoryTxStore) CountKeys(_ context.Context, productID ProductID) (int64, error) {
	return int64(len(tx.store.pools[productID.String()])), nil
}

func (tx *memoryTxStore) CreateLicense(_ context.Context, license License) error {
	return tx.store.createLicenseLocked(license)
}

func (tx *memoryTxStore) GetLicense(_ context.Context, licenseID LicenseID) (License, error) {
	return tx.store.getLicenseLocked(licenseID)
}

func (tx *memoryTxStore) ListLicenses(_ context.Context, accountID AccountID) ([]License, error) {
	return tx.store.listLicensesLocked(accountID)
}

func (tx *memoryTxStore) UpdateLicenseStatus(_ context.Context, licenseID LicenseID, from, to LicenseStatus) (bool, error) {
	return tx.store.updateLicenseStatusLocked(licenseID, from, to)
}

func (tx *memoryTxStore) SetLicenseHWID(_ context.Context, licenseID LicenseID, hwidHash string) error {
	return tx.store.setLicenseHWIDLocked(licenseID, hwidHash)
}

func (tx *memoryTxStore) MarkExpired(_ context.Context, nowUnixUTC int64) (int64, error) {
	return tx.store.markExpiredLocked(nowUnixUTC)
}

func (tx *memoryTxStore) InsertHwidReset(_ context.Context, reset HwidReset) error {
	tx.store.resets = append(tx.store.resets, reset)
	return nil
}

func (tx *memoryTxStore) CountHwidResets(_ context.Context, licenseID LicenseID, sinceUnixUTC int64) (int64, error) {
	return tx.store.countHwidResetsLocked(licenseID, sinceUnixUTC)
}

func (tx *memoryTxStore) InsertAdminLog(_ context.Context, entry AdminLogEntry) error {
	tx.store.adminLogs = append(tx.store.adminLogs, entry)
	return nil
}

func (tx *memoryTxStore) ListAdminLogs(_ context.Context, limit int) ([]AdminLogEntry, error) {
	return tx.store.listAdminLogsLocked(limit)
}

func (tx *memoryTxStore) CollectStatistics(_ context.Context, monthStartUnixUTC int64, nowUnixUTC int64) (Statistics, error) {
	return tx.store.collectStatisticsLocked(monthStartUnixUTC, nowUnixUTC)
}
