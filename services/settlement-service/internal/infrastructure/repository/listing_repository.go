package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/postgres"
	"github.com/basemarket/market-settlement-api/shared/redis"
)

//go:embed migrations/*.sql
var Migrations embed.FS

const listingCacheTTL = 5 * time.Minute

// ListingRepository persists listings in Postgres with a Redis
// read-through cache. Every write invalidates the cached entry before
// touching the database so a failed write cannot leave a stale lock in
// the cache.
type ListingRepository struct {
	db    *postgres.Postgres
	redis *redis.Redis
}

func NewListingRepository(db *postgres.Postgres, redis *redis.Redis) domain.ListingRepository {
	return &ListingRepository{db: db, redis: redis}
}

func (r *ListingRepository) Get(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID) (*domain.Listing, error) {
	cacheKey := redis.ListingKey(contract, token)
	if cached, err := r.redis.Get(ctx, cacheKey); err == nil && cached != "" {
		var listing domain.Listing
		if err := json.Unmarshal([]byte(cached), &listing); err == nil {
			return &listing, nil
		}
		// Unparseable cache entry, fall through to the database
	}

	listing, err := r.get(ctx, contract, token)
	if err != nil || listing == nil {
		return listing, err
	}

	if data, err := json.Marshal(listing); err == nil {
		_ = r.redis.SetWithExpiration(ctx, cacheKey, string(data), listingCacheTTL)
	}
	return listing, nil
}

func (r *ListingRepository) get(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID) (*domain.Listing, error) {
	row := r.db.GetClient().QueryRowContext(ctx, queryGetListing, contract, token)
	listing, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return listing, nil
}

func (r *ListingRepository) Upsert(ctx context.Context, listing *domain.Listing) (*domain.Listing, error) {
	if err := r.invalidate(ctx, listing.AssetContractID, listing.AssetTokenID); err != nil {
		return nil, err
	}

	previous, err := r.get(ctx, listing.AssetContractID, listing.AssetTokenID)
	if err != nil {
		return nil, err
	}

	_, err = r.db.GetClient().ExecContext(ctx, queryUpsertListing,
		listing.AssetContractID,
		listing.AssetTokenID,
		int64(listing.ApprovalID),
		listing.SellerID,
		listing.Price.String(),
		listing.Currency.String(),
		listing.CreatedAt,
		listing.DepositHeld.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert listing: %w", err)
	}
	return previous, nil
}

func (r *ListingRepository) SetOffer(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID, offer *domain.Offer) error {
	if err := r.invalidate(ctx, contract, token); err != nil {
		return err
	}

	var res sql.Result
	var err error
	if offer == nil {
		res, err = r.db.GetClient().ExecContext(ctx, queryClearOffer, contract, token)
	} else {
		var affiliateCut sql.NullInt16
		if offer.AffiliateCut != nil {
			affiliateCut = sql.NullInt16{Int16: int16(*offer.AffiliateCut), Valid: true}
		}
		res, err = r.db.GetClient().ExecContext(ctx, querySetOffer,
			contract,
			token,
			offer.BuyerID,
			offer.Amount.String(),
			nullString(offer.AffiliateID),
			affiliateCut,
			int16(offer.PlatformCut),
			nullString(offer.TransferID),
			offer.CreatedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to set offer: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// On a set, zero rows means another offer holds the slot (or the
		// listing is gone, which the caller just ruled out)
		if offer != nil {
			return domain.ErrOfferInProgress
		}
		return domain.ErrListingNotFound
	}
	return nil
}

func (r *ListingRepository) ClaimOffer(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID, offer *domain.Offer) (bool, error) {
	if err := r.invalidate(ctx, contract, token); err != nil {
		return false, err
	}
	res, err := r.db.GetClient().ExecContext(ctx, queryClaimOffer, contract, token, offer.BuyerID, offer.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim offer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *ListingRepository) Delete(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID) error {
	if err := r.invalidate(ctx, contract, token); err != nil {
		return err
	}
	if _, err := r.db.GetClient().ExecContext(ctx, queryDeleteListing, contract, token); err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	return nil
}

func (r *ListingRepository) invalidate(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID) error {
	if err := r.redis.Delete(ctx, redis.ListingKey(contract, token)); err != nil && !redis.IsNotFound(err) {
		return fmt.Errorf("failed to invalidate listing cache: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row rowScanner) (*domain.Listing, error) {
	var listing domain.Listing
	var approvalID int64
	var price, currency, depositHeld string

	var offerBuyer, offerAmount, offerAffiliate, offerTransferID sql.NullString
	var offerAffiliateCut, offerPlatformCut sql.NullInt16
	var offerCreatedAt sql.NullTime

	err := row.Scan(
		&listing.AssetContractID,
		&listing.AssetTokenID,
		&approvalID,
		&listing.SellerID,
		&price,
		&currency,
		&listing.CreatedAt,
		&depositHeld,
		&offerBuyer,
		&offerAmount,
		&offerAffiliate,
		&offerAffiliateCut,
		&offerPlatformCut,
		&offerTransferID,
		&offerCreatedAt,
	)
	if err != nil {
		return nil, err
	}

	listing.ApprovalID = uint64(approvalID)
	if listing.Price, err = domain.ParseAmount(price); err != nil {
		return nil, fmt.Errorf("failed to parse listing price: %w", err)
	}
	if listing.Currency, err = domain.ParseCurrency(currency); err != nil {
		return nil, fmt.Errorf("failed to parse listing currency: %w", err)
	}
	if listing.DepositHeld, err = domain.ParseAmount(depositHeld); err != nil {
		return nil, fmt.Errorf("failed to parse listing deposit: %w", err)
	}

	if offerBuyer.Valid {
		offer := &domain.Offer{
			BuyerID:     offerBuyer.String,
			AffiliateID: offerAffiliate.String,
			TransferID:  offerTransferID.String,
			CreatedAt:   offerCreatedAt.Time,
		}
		if offer.Amount, err = domain.ParseAmount(offerAmount.String); err != nil {
			return nil, fmt.Errorf("failed to parse offer amount: %w", err)
		}
		if offerAffiliateCut.Valid {
			cut := uint16(offerAffiliateCut.Int16)
			offer.AffiliateCut = &cut
		}
		offer.PlatformCut = uint16(offerPlatformCut.Int16)
		listing.CurrentOffer = offer
	}

	return &listing, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
