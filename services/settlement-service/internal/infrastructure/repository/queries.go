package repository

// SQL queries for settlement persistence
const (
	// Listing queries
	queryGetListing = `
		SELECT asset_contract_id, asset_token_id, approval_id, seller_id, price, currency, created_at, deposit_held,
		       offer_buyer_id, offer_amount, offer_affiliate_id, offer_affiliate_cut,
		       offer_platform_cut, offer_transfer_id, offer_created_at
		FROM listings
		WHERE asset_contract_id = $1 AND asset_token_id = $2
	`

	queryUpsertListing = `
		INSERT INTO listings (asset_contract_id, asset_token_id, approval_id, seller_id, price, currency, created_at, deposit_held)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset_contract_id, asset_token_id) DO UPDATE SET
			approval_id = EXCLUDED.approval_id,
			seller_id = EXCLUDED.seller_id,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			created_at = EXCLUDED.created_at,
			deposit_held = EXCLUDED.deposit_held,
			offer_buyer_id = NULL,
			offer_amount = NULL,
			offer_affiliate_id = NULL,
			offer_affiliate_cut = NULL,
			offer_platform_cut = NULL,
			offer_transfer_id = NULL,
			offer_created_at = NULL
	`

	// The lock write only lands on an empty offer slot; zero rows means a
	// concurrent purchase won the listing first.
	querySetOffer = `
		UPDATE listings SET
			offer_buyer_id = $3,
			offer_amount = $4,
			offer_affiliate_id = $5,
			offer_affiliate_cut = $6,
			offer_platform_cut = $7,
			offer_transfer_id = $8,
			offer_created_at = $9
		WHERE asset_contract_id = $1 AND asset_token_id = $2
		  AND offer_buyer_id IS NULL
	`

	queryClearOffer = `
		UPDATE listings SET
			offer_buyer_id = NULL,
			offer_amount = NULL,
			offer_affiliate_id = NULL,
			offer_affiliate_cut = NULL,
			offer_platform_cut = NULL,
			offer_transfer_id = NULL,
			offer_created_at = NULL
		WHERE asset_contract_id = $1 AND asset_token_id = $2
	`

	// Terminal resolution claims the offer before moving any funds; the
	// buyer/created_at match makes exactly one claimant win.
	queryClaimOffer = `
		UPDATE listings SET
			offer_buyer_id = NULL,
			offer_amount = NULL,
			offer_affiliate_id = NULL,
			offer_affiliate_cut = NULL,
			offer_platform_cut = NULL,
			offer_transfer_id = NULL,
			offer_created_at = NULL
		WHERE asset_contract_id = $1 AND asset_token_id = $2
		  AND offer_buyer_id = $3 AND offer_created_at = $4
	`

	queryDeleteListing = `
		DELETE FROM listings
		WHERE asset_contract_id = $1 AND asset_token_id = $2
	`

	// Ledger queries
	queryGetLedgerEntry = `
		SELECT account_id, deposit, reserved, listing_count
		FROM ledger_accounts
		WHERE account_id = $1
	`

	queryCreditLedger = `
		INSERT INTO ledger_accounts (account_id, deposit, reserved, listing_count)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (account_id) DO UPDATE SET
			deposit = ledger_accounts.deposit + EXCLUDED.deposit,
			updated_at = now()
	`

	// Debits only touch the unreserved part of the balance
	queryDebitLedger = `
		UPDATE ledger_accounts
		SET deposit = deposit - $2, updated_at = now()
		WHERE account_id = $1 AND deposit - reserved >= $2
	`

	// The coverage check and the hold are one statement, so concurrent
	// listings can never reserve past the prepaid balance
	queryReserveDeposit = `
		UPDATE ledger_accounts
		SET reserved = reserved + $2, listing_count = listing_count + 1, updated_at = now()
		WHERE account_id = $1 AND deposit - reserved >= $2
	`

	queryReleaseDeposit = `
		UPDATE ledger_accounts
		SET reserved = reserved - $2, listing_count = listing_count - 1, updated_at = now()
		WHERE account_id = $1 AND reserved >= $2
	`

	// Policy queries
	queryGetPolicy = `
		SELECT owner_id, platform_cut_bps, fallback_affiliate_cut_bps,
		       min_listing_dwell_seconds, per_listing_deposit
		FROM market_policy
		WHERE id = 1
	`

	queryUpdatePolicy = `
		INSERT INTO market_policy (id, owner_id, platform_cut_bps, fallback_affiliate_cut_bps,
		                           min_listing_dwell_seconds, per_listing_deposit)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			platform_cut_bps = EXCLUDED.platform_cut_bps,
			fallback_affiliate_cut_bps = EXCLUDED.fallback_affiliate_cut_bps,
			min_listing_dwell_seconds = EXCLUDED.min_listing_dwell_seconds,
			per_listing_deposit = EXCLUDED.per_listing_deposit,
			updated_at = now()
	`

	// Ban set queries
	queryIsBanned = `
		SELECT EXISTS (SELECT 1 FROM banned_accounts WHERE account_id = $1)
	`

	queryBan = `
		INSERT INTO banned_accounts (account_id)
		VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING
	`

	queryUnban = `
		DELETE FROM banned_accounts
		WHERE account_id = $1
	`

	queryBannedAccounts = `
		SELECT account_id
		FROM banned_accounts
		ORDER BY banned_at
	`

	// Affiliate whitelist queries
	queryAffiliateCut = `
		SELECT cut_bps
		FROM affiliates
		WHERE account_id = $1
	`

	queryPutAffiliate = `
		INSERT INTO affiliates (account_id, cut_bps)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET cut_bps = EXCLUDED.cut_bps
	`

	queryDeleteAffiliate = `
		DELETE FROM affiliates
		WHERE account_id = $1
	`

	queryAffiliates = `
		SELECT account_id, cut_bps
		FROM affiliates
		ORDER BY account_id
	`
)
