package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keymint/keymint/pkg/engine"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectLicense   = "license"
	errorSubjectPool      = "pool"
	errorSubjectTx        = "transaction"
	errorSubjectReset     = "hwid_reset"
	errorSubjectAdminLog  = "admin_log"
	errorSubjectStats     = "statistics"
	errorCodeAdjust       = "adjust"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeCount        = "count"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodePromote      = "promote"
	errorCodeReturn       = "return"
	errorCodeSum          = "sum"
	errorCodeSweep        = "sweep"
	errorCodeTake         = "take"
	errorCodeUpdate       = "update"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, role, created_at) values($1, 'user', to_timestamp($2))
		on conflict (account_id) do update set account_id = excluded.account_id
		returning account_id, role, balance_cents, commission_bps, coalesce(reseller_code,''), extract(epoch from created_at)::bigint
	`

	sqlSelectAccount = `
		select account_id, role, balance_cents, commission_bps, coalesce(reseller_code,''), extract(epoch from created_at)::bigint
		from accounts where account_id = $1
	`

	sqlAdjustBalance = `
		update accounts set balance_cents = balance_cents + $2
		where account_id = $1 and balance_cents + $2 >= 0
	`

	sqlCountAccount = `select count(*) from accounts where account_id = $1`

	sqlPromoteReseller = `
		update accounts set role = 'reseller', commission_bps = $2, reseller_code = $3
		where account_id = $1
	`

	sqlInsertTransaction = `
		insert into transactions(transaction_id, account_id, amount_cents, reason, license_id, metadata, created_at)
		values(gen_random_uuid(), $1, $2, $3, nullif($4,''), coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6))
	`

	sqlListTransactions = `
		select transaction_id::text, account_id, amount_cents, reason, coalesce(license_id,''),
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from transactions
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlSumTransactions = `
		select coalesce(sum(amount_cents),0) from transactions where account_id = $1
	`

	sqlTakeKey = `
		delete from pool_keys
		where seq = (
			select seq from pool_keys where product_id = $1
			order by seq asc limit 1
			for update skip locked
		)
		returning key
	`

	sqlReturnKey = `
		insert into pool_keys(product_id, key) values($1, $2)
		on conflict (product_id, key) do nothing
	`

	sqlInsertKey = `
		insert into pool_keys(product_id, key) values($1, $2)
	`

	sqlCountAssignedKey = `
		select count(*) from licenses where key = $1 and status <> 'revoked'
	`

	sqlCountKeys = `select count(*) from pool_keys where product_id = $1`

	sqlInsertLicense = `
		insert into licenses(license_id, account_id, product_id, key, status, hwid_hash, issued_at, expires_at, created_by, created_at)
		values($1, $2, $3, $4, $5, $6, to_timestamp($7), to_timestamp($8), $9, to_timestamp($7))
	`

	sqlSelectLicense = `
		select license_id::text, account_id, product_id, key, status, hwid_hash,
			extract(epoch from issued_at)::bigint, extract(epoch from expires_at)::bigint, created_by
		from licenses where license_id = $1
		for update
	`

	sqlListLicenses = `
		select license_id::text, account_id, product_id, key, status, hwid_hash,
			extract(epoch from issued_at)::bigint, extract(epoch from expires_at)::bigint, created_by
		from licenses where account_id = $1
		order by created_at desc
	`

	sqlUpdateLicenseStatus = `
		update licenses set status = $3 where license_id = $1 and status = $2
	`

	sqlSetLicenseHWID = `
		update licenses set hwid_hash = $2 where license_id = $1
	`

	sqlMarkExpired = `
		update licenses set status = 'expired'
		where status = 'active' and expires_at <= to_timestamp($1)
	`

	sqlInsertHwidReset = `
		insert into hwid_resets(license_id, account_id, reset_by, admin, reason, created_at)
		values($1, $2, $3, $4, $5, to_timestamp($6))
	`

	sqlCountHwidResets = `
		select count(*) from hwid_resets
		where license_id = $1 and admin = false and created_at >= to_timestamp($2)
	`

	sqlInsertAdminLog = `
		insert into admin_logs(admin_id, action, target_account, target_license, details, created_at)
		values($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6))
	`

	sqlListAdminLogs = `
		select admin_id, action, target_account, target_license, coalesce(details::text,'{}'),
			extract(epoch from created_at)::bigint
		from admin_logs
		order by created_at desc
		limit $1
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements engine.Store over a pgx pool; WithTx swaps the
// querier for an active transaction so nested calls share it.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool (autocommit outside WithTx).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore engine.Store) error) error {
	if _, alreadyTx := store.q.(pgx.Tx); alreadyTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID engine.AccountID, nowUnixUTC int64) (engine.Account, error) {
	account, err := scanAccount(store.q.QueryRow(ctx, sqlInsertOrGetAccount, accountID.String(), nowUnixUTC))
	if err != nil {
		return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) GetAccount(ctx context.Context, accountID engine.AccountID) (engine.Account, error) {
	account, err := scanAccount(store.q.QueryRow(ctx, sqlSelectAccount, accountID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, engine.ErrAccountNotFound)
		}
		return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) AdjustBalance(ctx context.Context, accountID engine.AccountID, delta engine.AmountCents) error {
	tag, err := store.q.Exec(ctx, sqlAdjustBalance, accountID.String(), delta.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 {
		var existing int64
		if err := store.q.QueryRow(ctx, sqlCountAccount, accountID.String()).Scan(&existing); err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeAdjust, err)
		}
		if existing == 0 {
			return wrapStoreError(errorSubjectAccount, errorCodeAdjust, engine.ErrAccountNotFound)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeAdjust, engine.ErrInsufficientFunds)
	}
	return nil
}

func (store *Store) PromoteReseller(ctx context.Context, accountID engine.AccountID, rate engine.CommissionBps, code string) error {
	tag, err := store.q.Exec(ctx, sqlPromoteReseller, accountID.String(), rate.Int64(), code)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, engine.ErrResellerCodeTaken)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodePromote, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodePromote, engine.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction engine.Transaction) error {
	licenseID := ""
	if transaction.LicenseID != nil {
		licenseID = transaction.LicenseID.String()
	}
	_, err := store.q.Exec(ctx, sqlInsertTransaction,
		transaction.AccountID.String(),
		transaction.AmountCents.Int64(),
		transaction.Reason.String(),
		licenseID,
		transaction.MetadataJSON.String(),
		transaction.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID engine.AccountID, beforeUnixUTC int64, limit int) ([]engine.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlListTransactions, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]engine.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionID string
			accountValue  string
			amountCents   int64
			reasonValue   string
			licenseValue  string
			metadataValue string
			createdAt     int64
		)
		if err := rows.Scan(&transactionID, &accountValue, &amountCents, &reasonValue, &licenseValue, &metadataValue, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transaction, err := buildTransaction(transactionID, accountValue, amountCents, reasonValue, licenseValue, metadataValue, createdAt)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) SumTransactions(ctx context.Context, accountID engine.AccountID) (engine.AmountCents, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumTransactions, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectTx, errorCodeSum, err)
	}
	return engine.AmountCents(sum), nil
}

func (store *Store) TakeKey(ctx context.Context, productID engine.ProductID) (engine.Key, error) {
	var keyValue string
	err := store.q.QueryRow(ctx, sqlTakeKey, productID.String()).Scan(&keyValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Key{}, wrapStoreError(errorSubjectPool, errorCodeTake, engine.ErrOutOfStock)
		}
		return engine.Key{}, wrapStoreError(errorSubjectPool, errorCodeTake, err)
	}
	key, err := engine.NewKey(keyValue)
	if err != nil {
		return engine.Key{}, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
	}
	return key, nil
}

func (store *Store) ReturnKey(ctx context.Context, productID engine.ProductID, key engine.Key) error {
	if _, err := store.q.Exec(ctx, sqlReturnKey, productID.String(), key.String()); err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeReturn, err)
	}
	return nil
}

func (store *Store) AddKey(ctx context.Context, productID engine.ProductID, key engine.Key) error {
	var assigned int64
	if err := store.q.QueryRow(ctx, sqlCountAssignedKey, key.String()).Scan(&assigned); err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeInsert, err)
	}
	if assigned > 0 {
		return wrapStoreError(errorSubjectPool, errorCodeDuplicate, engine.ErrKeyExists)
	}
	_, err := store.q.Exec(ctx, sqlInsertKey, productID.String(), key.String())
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPool, errorCodeDuplicate, engine.ErrKeyExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountKeys(ctx context.Context, productID engine.ProductID) (int64, error) {
	var count int64
	if err := store.q.QueryRow(ctx, sqlCountKeys, productID.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectPool, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CreateLicense(ctx context.Context, license engine.License) error {
	_, err := store.q.Exec(ctx, sqlInsertLicense,
		license.LicenseID.String(),
		license.AccountID.String(),
		license.ProductID.String(),
		license.Key.String(),
		license.Status.String(),
		license.HWIDHash,
		license.IssuedUnixUTC,
		license.ExpiresUnixUTC,
		license.CreatedBy.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectLicense, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetLicense(ctx context.Context, licenseID engine.LicenseID) (engine.License, error) {
	license, err := scanLicense(store.q.QueryRow(ctx, sqlSelectLicense, licenseID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.License{}, wrapStoreError(errorSubjectLicense, errorCodeGet, engine.ErrLicenseNotFound)
		}
		return engine.License{}, wrapStoreError(errorSubjectLicense, errorCodeGet, err)
	}
	return license, nil
}

func (store *Store) ListLicenses(ctx context.Context, accountID engine.AccountID) ([]engine.License, error) {
	rows, err := store.q.Query(ctx, sqlListLicenses, accountID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectLicense, errorCodeList, err)
	}
	defer rows.Close()
	licenses := make([]engine.License, 0, 8)
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLicense, errorCodeInvalid, err)
		}
		licenses = append(licenses, license)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLicense, errorCodeList, err)
	}
	return licenses, nil
}

func (store *Store) UpdateLicenseStatus(ctx context.Context, licenseID engine.LicenseID, from, to engine.LicenseStatus) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlUpdateLicenseStatus, licenseID.String(), from.String(), to.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectLicense, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) SetLicenseHWID(ctx context.Context, licenseID engine.LicenseID, hwidHash string) error {
	tag, err := store.q.Exec(ctx, sqlSetLicenseHWID, licenseID.String(), hwidHash)
	if err != nil {
		return wrapStoreError(errorSubjectLicense, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectLicense, errorCodeUpdate, engine.ErrLicenseNotFound)
	}
	return nil
}

func (store *Store) MarkExpired(ctx context.Context, nowUnixUTC int64) (int64, error) {
	tag, err := store.q.Exec(ctx, sqlMarkExpired, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectLicense, errorCodeSweep, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) InsertHwidReset(ctx context.Context, reset engine.HwidReset) error {
	_, err := store.q.Exec(ctx, sqlInsertHwidReset,
		reset.LicenseID.String(),
		reset.AccountID.String(),
		reset.ResetBy.String(),
		reset.Admin,
		reset.Reason,
		reset.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectReset, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountHwidResets(ctx context.Context, licenseID engine.LicenseID, sinceUnixUTC int64) (int64, error) {
	var count int64
	if err := store.q.QueryRow(ctx, sqlCountHwidResets, licenseID.String(), sinceUnixUTC).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectReset, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertAdminLog(ctx context.Context, entry engine.AdminLogEntry) error {
	_, err := store.q.Exec(ctx, sqlInsertAdminLog,
		entry.AdminID.String(),
		entry.Action,
		entry.TargetAccount,
		entry.TargetLicense,
		entry.DetailsJSON.String(),
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAdminLog, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListAdminLogs(ctx context.Context, limit int) ([]engine.AdminLogEntry, error) {
	rows, err := store.q.Query(ctx, sqlListAdminLogs, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAdminLog, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]engine.AdminLogEntry, 0, 32)
	for rows.Next() {
		var (
			adminValue    string
			action        string
			targetAccount string
			targetLicense string
			detailsValue  string
			createdAt     int64
		)
		if err := rows.Scan(&adminValue, &action, &targetAccount, &targetLicense, &detailsValue, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectAdminLog, errorCodeInvalid, err)
		}
		adminID, err := engine.NewAccountID(adminValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAdminLog, errorCodeInvalid, err)
		}
		details, err := engine.NewMetadataJSON(detailsValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAdminLog, errorCodeInvalid, err)
		}
		entries = append(entries, engine.AdminLogEntry{
			AdminID:        adminID,
			Action:         action,
			TargetAccount:  targetAccount,
			TargetLicense:  targetLicense,
			DetailsJSON:    details,
			CreatedUnixUTC: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAdminLog, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) CollectStatistics(ctx context.Context, monthStartUnixUTC int64, nowUnixUTC int64) (engine.Statistics, error) {
	var statistics engine.Statistics
	steps := []struct {
		sql  string
		args []any
		dest *int64
	}{
		{`select count(*) from accounts`, nil, &statistics.TotalAccounts},
		{`select count(*) from accounts where role = 'reseller'`, nil, &statistics.TotalResellers},
		{`select count(*) from licenses`, nil, &statistics.TotalLicenses},
		{`select count(*) from licenses where status = 'active' and expires_at > to_timestamp($1)`, []any{nowUnixUTC}, &statistics.ActiveLicenses},
		{`select count(*) from licenses where created_at >= to_timestamp($1)`, []any{monthStartUnixUTC}, &statistics.MonthlyLicensesCount},
	}
	for _, step := range steps {
		if err := store.q.QueryRow(ctx, step.sql, step.args...).Scan(step.dest); err != nil {
			return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
		}
	}
	var revenue int64
	if err := store.q.QueryRow(ctx, `select coalesce(sum(-amount_cents),0) from transactions where reason = 'purchase'`).Scan(&revenue); err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	statistics.RevenueCents = engine.AmountCents(revenue)
	var monthly int64
	if err := store.q.QueryRow(ctx, `select coalesce(sum(-amount_cents),0) from transactions where reason = 'purchase' and created_at >= to_timestamp($1)`, monthStartUnixUTC).Scan(&monthly); err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	statistics.MonthlyRevenueCents = engine.AmountCents(monthly)
	return statistics, nil
}

func scanAccount(row pgx.Row) (engine.Account, error) {
	var (
		accountValue  string
		roleValue     string
		balanceCents  int64
		commissionBps int64
		resellerCode  string
		createdAt     int64
	)
	if err := row.Scan(&accountValue, &roleValue, &balanceCents, &commissionBps, &resellerCode, &createdAt); err != nil {
		return engine.Account{}, err
	}
	accountID, err := engine.NewAccountID(accountValue)
	if err != nil {
		return engine.Account{}, err
	}
	role, err := engine.ParseRole(roleValue)
	if err != nil {
		return engine.Account{}, err
	}
	rate, err := engine.NewCommissionBps(commissionBps)
	if err != nil {
		return engine.Account{}, err
	}
	return engine.Account{
		AccountID:      accountID,
		Role:           role,
		BalanceCents:   engine.AmountCents(balanceCents),
		CommissionBps:  rate,
		ResellerCode:   resellerCode,
		CreatedUnixUTC: createdAt,
	}, nil
}

func scanLicense(row pgx.Row) (engine.License, error) {
	var (
		licenseValue string
		accountValue string
		productValue string
		keyValue     string
		statusValue  string
		hwidHash     string
		issuedAt     int64
		expiresAt    int64
		createdBy    string
	)
	if err := row.Scan(&licenseValue, &accountValue, &productValue, &keyValue, &statusValue, &hwidHash, &issuedAt, &expiresAt, &createdBy); err != nil {
		return engine.License{}, err
	}
	licenseID, err := engine.NewLicenseID(licenseValue)
	if err != nil {
		return engine.License{}, err
	}
	accountID, err := engine.NewAccountID(accountValue)
	if err != nil {
		return engine.License{}, err
	}
	productID, err := engine.NewProductID(productValue)
	if err != nil {
		return engine.License{}, err
	}
	key, err := engine.NewKey(keyValue)
	if err != nil {
		return engine.License{}, err
	}
	status, err := engine.ParseLicenseStatus(statusValue)
	if err != nil {
		return engine.License{}, err
	}
	createdByID, err := engine.NewAccountID(createdBy)
	if err != nil {
		return engine.License{}, err
	}
	return engine.License{
		LicenseID:      licenseID,
		AccountID:      accountID,
		ProductID:      productID,
		Key:            key,
		Status:         status,
		HWIDHash:       hwidHash,
		IssuedUnixUTC:  issuedAt,
		ExpiresUnixUTC: expiresAt,
		CreatedBy:      createdByID,
	}, nil
}

func buildTransaction(transactionID, accountValue string, amountCents int64, reasonValue, licenseValue, metadataValue string, createdAt int64) (engine.Transaction, error) {
	accountID, err := engine.NewAccountID(accountValue)
	if err != nil {
		return engine.Transaction{}, err
	}
	reason, err := engine.ParseTransactionReason(reasonValue)
	if err != nil {
		return engine.Transaction{}, err
	}
	metadata, err := engine.NewMetadataJSON(metadataValue)
	if err != nil {
		return engine.Transaction{}, err
	}
	var licenseID *engine.LicenseID
	if licenseValue != "" {
		parsed, err := engine.NewLicenseID(licenseValue)
		if err != nil {
			return engine.Transaction{}, err
		}
		licenseID = &parsed
	}
	return engine.Transaction{
		TransactionID:  transactionID,
		AccountID:      accountID,
		AmountCents:    engine.AmountCents(amountCents),
		Reason:         reason,
		LicenseID:      licenseID,
		MetadataJSON:   metadata,
		CreatedUnixUTC: createdAt,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return engine.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
