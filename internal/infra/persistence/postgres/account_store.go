package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/idgen"
	"github.com/coachpo/tradecore/internal/observability"
)

const (
	accountSelectSQL = `
SELECT user_id, balance::text, used_margin::text, account_group, leverage::text, currency
FROM accounts
WHERE user_id = @user_id`

	accountLockSQL = accountSelectSQL + ` FOR UPDATE`

	marginUpdateSQL = `
UPDATE accounts
SET used_margin = used_margin + @margin_delta,
    balance = balance + @balance_delta,
    updated_at = NOW()
WHERE user_id = @user_id;
`

	accountUpsertSQL = `
INSERT INTO accounts (user_id, balance, used_margin, account_group, leverage, currency, created_at, updated_at)
VALUES (@user_id, @balance, @used_margin, @account_group, @leverage, @currency, NOW(), NOW())
ON CONFLICT (user_id) DO UPDATE SET
    balance = EXCLUDED.balance,
    used_margin = EXCLUDED.used_margin,
    account_group = EXCLUDED.account_group,
    leverage = EXCLUDED.leverage,
    currency = EXCLUDED.currency,
    updated_at = NOW();
`

	symbolSelectSQL = `
SELECT
    symbol,
    contract_size::text,
    leverage::text,
    quote_currency,
    margin_precision,
    margin_mode,
    commission_type,
    commission_rate::text
FROM symbol_configs
WHERE symbol = @symbol`

	symbolUpsertSQL = `
INSERT INTO symbol_configs (
    symbol, contract_size, leverage, quote_currency, margin_precision,
    margin_mode, commission_type, commission_rate, updated_at
)
VALUES (
    @symbol, @contract_size, @leverage, @quote_currency, @margin_precision,
    @margin_mode, @commission_type, @commission_rate, NOW()
)
ON CONFLICT (symbol) DO UPDATE SET
    contract_size = EXCLUDED.contract_size,
    leverage = EXCLUDED.leverage,
    quote_currency = EXCLUDED.quote_currency,
    margin_precision = EXCLUDED.margin_precision,
    margin_mode = EXCLUDED.margin_mode,
    commission_type = EXCLUDED.commission_type,
    commission_rate = EXCLUDED.commission_rate,
    updated_at = NOW();
`

	reserveIDSQL = `
INSERT INTO issued_ids (id, kind, issued_at)
VALUES (@id, @kind, NOW())
ON CONFLICT (id) DO NOTHING;
`
)

func scanAccount(row rowScanner) (schema.Account, error) {
	var acct schema.Account
	var balance, margin, leverage string
	if err := row.Scan(&acct.UserID, &balance, &margin, &acct.Group, &leverage, &acct.Currency); err != nil {
		return schema.Account{}, err
	}
	var err error
	if acct.Balance, err = decimalFromText(balance); err != nil {
		return schema.Account{}, fmt.Errorf("account store: balance: %w", err)
	}
	if acct.UsedMargin, err = decimalFromText(margin); err != nil {
		return schema.Account{}, fmt.Errorf("account store: used margin: %w", err)
	}
	if acct.Leverage, err = decimalFromText(leverage); err != nil {
		return schema.Account{}, fmt.Errorf("account store: leverage: %w", err)
	}
	return acct, nil
}

func getAccountWith(ctx context.Context, q querier, query, userID string) (schema.Account, error) {
	acct, err := scanAccount(q.QueryRow(ctx, query, pgx.NamedArgs{"user_id": userID}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Account{}, errs.New(component, errs.CodeNotFound,
				errs.WithMessage("account not found"),
				errs.WithField("id", userID),
			)
		}
		return schema.Account{}, fmt.Errorf("account store: get account: %w", err)
	}
	return acct, nil
}

// GetUserAccount returns the account snapshot without locking.
func (s *Store) GetUserAccount(ctx context.Context, userID string) (schema.Account, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Account{}, err
	}
	return getAccountWith(ctx, pool, accountSelectSQL, strings.TrimSpace(userID))
}

// UpsertAccount creates or replaces an account row.
func (s *Store) UpsertAccount(ctx context.Context, acct schema.Account) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	balance, err := numericFromDecimal(acct.Balance)
	if err != nil {
		return fmt.Errorf("account store: balance: %w", err)
	}
	used, err := numericFromDecimal(acct.UsedMargin)
	if err != nil {
		return fmt.Errorf("account store: used margin: %w", err)
	}
	leverage, err := numericFromDecimal(acct.Leverage)
	if err != nil {
		return fmt.Errorf("account store: leverage: %w", err)
	}
	args := pgx.NamedArgs{
		"user_id":       strings.TrimSpace(acct.UserID),
		"balance":       balance,
		"used_margin":   used,
		"account_group": acct.Group,
		"leverage":      leverage,
		"currency":      strings.ToUpper(strings.TrimSpace(acct.Currency)),
	}
	if _, err := pool.Exec(ctx, accountUpsertSQL, args); err != nil {
		return fmt.Errorf("account store: upsert account: %w", err)
	}
	return nil
}

func (t *storeTx) LockAccount(ctx context.Context, userID string) (schema.Account, error) {
	return getAccountWith(ctx, t.tx, accountLockSQL, strings.TrimSpace(userID))
}

func (t *storeTx) PersistMarginUpdate(ctx context.Context, userID string, marginDelta, balanceDelta decimal.Decimal) error {
	marginNum, err := numericFromDecimal(marginDelta)
	if err != nil {
		return fmt.Errorf("account store: margin delta: %w", err)
	}
	balanceNum, err := numericFromDecimal(balanceDelta)
	if err != nil {
		return fmt.Errorf("account store: balance delta: %w", err)
	}
	tag, err := t.tx.Exec(ctx, marginUpdateSQL, pgx.NamedArgs{
		"user_id":       userID,
		"margin_delta":  marginNum,
		"balance_delta": balanceNum,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			observability.Log().Error("used margin would go negative",
				observability.Field{Key: "user_id", Value: userID},
				observability.Field{Key: "margin_delta", Value: marginDelta.String()},
				observability.Field{Key: "constraint", Value: pgErr.ConstraintName},
			)
			return errs.New(component, errs.CodeConflict,
				errs.WithMessage("used margin would go negative"),
				errs.WithCause(err),
				errs.WithField("user_id", userID),
				errs.WithField("margin_delta", marginDelta.String()),
			)
		}
		return fmt.Errorf("account store: update margin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(component, errs.CodeNotFound,
			errs.WithMessage("account not found"),
			errs.WithField("id", userID),
		)
	}
	return nil
}

// GetSymbolConfig returns the trading configuration of symbol.
func (s *Store) GetSymbolConfig(ctx context.Context, symbol string) (schema.SymbolConfig, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.SymbolConfig{}, err
	}
	symbol = schema.NormalizeSymbol(symbol)

	var cfg schema.SymbolConfig
	var contract, leverage, commissionRate, mode, commissionType string
	err = pool.QueryRow(ctx, symbolSelectSQL, pgx.NamedArgs{"symbol": symbol}).Scan(
		&cfg.Symbol,
		&contract,
		&leverage,
		&cfg.QuoteCurrency,
		&cfg.MarginPrecision,
		&mode,
		&commissionType,
		&commissionRate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.SymbolConfig{}, errs.New(component, errs.CodeNotFound,
				errs.WithMessage("symbol not found"),
				errs.WithField("id", symbol),
			)
		}
		return schema.SymbolConfig{}, fmt.Errorf("symbol store: get symbol: %w", err)
	}
	cfg.MarginMode = schema.MarginMode(mode)
	cfg.CommissionType = schema.CommissionType(commissionType)
	if cfg.ContractSize, err = decimalFromText(contract); err != nil {
		return schema.SymbolConfig{}, fmt.Errorf("symbol store: contract size: %w", err)
	}
	if cfg.Leverage, err = decimalFromText(leverage); err != nil {
		return schema.SymbolConfig{}, fmt.Errorf("symbol store: leverage: %w", err)
	}
	if cfg.CommissionRate, err = decimalFromText(commissionRate); err != nil {
		return schema.SymbolConfig{}, fmt.Errorf("symbol store: commission rate: %w", err)
	}
	return cfg, nil
}

// UpsertSymbolConfig creates or replaces a symbol configuration row.
func (s *Store) UpsertSymbolConfig(ctx context.Context, cfg schema.SymbolConfig) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	contract, err := numericFromDecimal(cfg.ContractSize)
	if err != nil {
		return fmt.Errorf("symbol store: contract size: %w", err)
	}
	leverage, err := numericFromDecimal(cfg.Leverage)
	if err != nil {
		return fmt.Errorf("symbol store: leverage: %w", err)
	}
	rate, err := numericFromDecimal(cfg.CommissionRate)
	if err != nil {
		return fmt.Errorf("symbol store: commission rate: %w", err)
	}
	mode := cfg.MarginMode
	if mode == "" {
		mode = schema.MarginModeSum
	}
	args := pgx.NamedArgs{
		"symbol":           schema.NormalizeSymbol(cfg.Symbol),
		"contract_size":    contract,
		"leverage":         leverage,
		"quote_currency":   strings.ToUpper(strings.TrimSpace(cfg.QuoteCurrency)),
		"margin_precision": cfg.MarginPrecision,
		"margin_mode":      string(mode),
		"commission_type":  string(cfg.CommissionType),
		"commission_rate":  rate,
	}
	if _, err := pool.Exec(ctx, symbolUpsertSQL, args); err != nil {
		return fmt.Errorf("symbol store: upsert symbol: %w", err)
	}
	return nil
}

// Reserve claims id in the shared identifier namespace.
func (s *Store) Reserve(ctx context.Context, id string, kind idgen.Kind) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, reserveIDSQL, pgx.NamedArgs{"id": id, "kind": string(kind)})
	if err != nil {
		return false, fmt.Errorf("id store: reserve id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
