package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestPurchaseIssuesLicenseAndDebitsBuyer(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	buyerID := mustAccountID(test, testBuyerID)
	productID := mustProductID(test, testProductID)

	store.seedAccount(Account{AccountID: buyerID, Role: RoleUser, BalanceCents: 6000})
	store.seedKeys(productID, "KEY-FIRST", "KEY-SECOND")

	license, err := service.Purchase(ctx, buyerID, productID, buyerID, nil)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if license.Key.String() != "KEY-FIRST" {
		test.Fatalf("expected oldest key first, got %s", license.Key.String())
	}
	if license.Status != LicenseStatusActive {
		test.Fatalf("expected active license, got %s", license.Status)
	}
	if license.ExpiresUnixUTC != testNow+30*24*60*60 {
		test.Fatalf("unexpected expiry %d", license.ExpiresUnixUTC)
	}
	if balance := store.balanceOf(buyerID); balance != 1000 {
		test.Fatalf("expected balance 1000, got %d", balance)
	}

	transactions, err := service.Transactions(ctx, buyerID, 0, 10)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 1 {
		test.Fatalf("expected one transaction, got %d", len(transactions))
	}
	if transactions[0].Reason != ReasonPurchase || transactions[0].AmountCents != -5000 {
		test.Fatalf("unexpected ledger row %+v", transactions[0])
	}
	if transactions[0].LicenseID == nil || *transactions[0].LicenseID != license.LicenseID {
		test.Fatalf("transaction not linked to license")
	}
}

func TestPurchaseForBeneficiaryIssuesGift(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	buyerID := mustAccountID(test, testBuyerID)
	friendID := mustAccountID(test, "friend-1")
	productID := mustProductID(test, testProductID)

	store.seedAccount(Account{AccountID: buyerID, Role: RoleUser, BalanceCents: 5000})
	store.seedKeys(productID, "KEY-GIFT")

	license, err := service.Purchase(ctx, buyerID, productID, friendID, nil)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if license.AccountID != friendID {
		test.Fatalf("expected license owned by beneficiary")
	}
	if license.CreatedBy != buyerID {
		test.Fatalf("expected buyer recorded as creator")
	}
	if balance := store.balanceOf(friendID); balance != 0 {
		test.Fatalf("beneficiary balance should be untouched, got %d", balance)
	}
}

func TestPurchaseInsufficientFundsLeavesNothingBehind(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	buyerID := mustAccountID(test, testBuyerID)
	productID := mustProductID(test, testProductID)

	store.seedAccount(Account{AccountID: buyerID, Role: RoleUser, BalanceCents: 4999})
	store.seedKeys(productID, "KEY-A")

	if _, err := service.Purchase(ctx, buyerID, productID, buyerID, nil); !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected insufficient funds, got %v", err)
	}
	if balance := store.balanceOf(buyerID); balance != 4999 {
		test.Fatalf("balance changed on failed purchase: %d", balance)
	}
	count, err := service.Stock(ctx, productID)
	if err != nil {
		test.Fatalf("stock: %v", err)
	}
	if count != 1 {
		test.Fatalf("pool changed on failed purchase: %d", count)
	}
}

func TestPurchaseOutOfStockRollsBackDebit(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	buyerID := mustAccountID(test, testBuyerID)
	productID := mustProductID(test, testProductID)

	store.seedAccount(Account{AccountID: buyerID, Role: RoleUser, BalanceCents: 5000})

	if _, err := service.Purchase(ctx, buyerID, productID, buyerID, nil); !errors.Is(err, ErrOutOfStock) {
		test.Fatalf("expected out of stock, got %v", err)
	}
	if balance := store.balanceOf(buyerID); balance != 5000 {
		test.Fatalf("debit not rolled back: %d", balance)
	}
	sum, err := store.SumTransactions(ctx, buyerID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		test.Fatalf("ledger row survived rollback: %d", sum)
	}
}

func TestPurchaseUnknownProduct(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	buyerID := mustAccountID(test, testBuyerID)

	_, err := service.Purchase(context.Background(), buyerID, mustProductID(test, "no-such-product"), buyerID, nil)
	if !errors.Is(err, ErrProductNotFound) {
		test.Fatalf("expected product not found, got %v", err)
	}
}

func TestPurchaseCreditsExplicitReseller(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	buyerID := mustAccountID(test, testBuyerID)
	resellerID := mustAccountID(test, testResellerID)
	productID := mustProductID(test, testProductID)

	store.seedAccount(Account{AccountID: buyerID, Role: RoleUser, BalanceCents: 5000})
	store.seedAccount(Account{AccountID: resellerID, Role: RoleReseller, CommissionBps: mustCommissionBps(test, 1500), ResellerCode: "RSLTESTCODE"})
	store.seedKeys(productID, "KEY-A")

	if _, err := service.Purchase(ctx, buyerID, productID, buyerID, &resellerID); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	// 15% of 5000 cents.
	if balance := store.balanceOf(resellerID); balance != 750 {
		test.Fatalf("expected commission 750, got %d", balance)
	}
	transactions, err := service.Transactions(ctx, resellerID, 0, 10)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Reason != ReasonCommission {
		test.Fatalf("expected one commission row, got %+v", transactions)
	}
}

func TestPurchaseCommissionTruncatesTowardZero(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	buyerID := mustAccountID(test, testBuyerID)
	resellerID := mustAccountID(test, testResellerID)
	productID := mustProductID(test, testProductID)

	// 3 bps of 5000 cents is 1.5 cents; the reseller gets 1.
	store.seedAccount(Account{AccountID: buyerID, Role: RoleUser, BalanceCents: 5000})
	store.seedAccount(Account{AccountID: resellerID, Role: RoleReseller, CommissionBps: mustCommissionBps(test, 3), ResellerCode: "RSLTRUNCATE"})
	store.seedKeys(productID, "KEY-A")

	if _, err := service.Purchase(ctx, buyerID, productID, buyerID, &resellerID); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if balance := store.balanceOf(resellerID); balance != 1 {
		test.Fatalf("expected truncated share 1, got %d", balance)
	}
}

func TestPurchaseResellerSelfAttribution(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	resellerID := mustAccountID(test, testResellerID)
	productID := mustProductID(test, testProductID)

	store.seedAccount(Account{AccountID: resellerID, Role: RoleReseller, CommissionBps: mustCommissionBps(test, 1000), BalanceCents: 5000, ResellerCode: "RSLSELFSALE"})
	store.seedKeys(productID, "KEY-A")

	if _, err := service.Purchase(ctx, resellerID, productID, resellerID, nil); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	// Debited 5000, credited back 10% of the sale.
	if balance := store.balanceOf(resellerID); balance != 500 {
		test.Fatalf("expected balance 500, got %d", balance)
	}
}

func TestPurchaseIneligibleProductPaysNoCommission(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	buyerID := mustAccountID(test, testBuyerID)
	resellerID := mustAccountID(test, testResellerID)
	productID := mustProductID(test, testLiteID)

	store.seedAccount(Account{AccountID: buyerID, Role: RoleUser, BalanceCents: 1000})
	store.seedAccount(Account{AccountID: resellerID, Role: RoleReseller, CommissionBps: mustCommissionBps(test, 1500), ResellerCode: "RSLNOLITE00"})
	store.seedKeys(productID, "KEY-L")

	if _, err := service.Purchase(ctx, buyerID, productID, buyerID, &resellerID); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if balance := store.balanceOf(resellerID); balance != 0 {
		test.Fatalf("ineligible product paid commission: %d", balance)
	}
}

func TestPurchaseIgnoresNonResellerAttribution(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	buyerID := mustAccountID(test, testBuyerID)
	plainID := mustAccountID(test, "plain-user")
	productID := mustProductID(test, testProductID)

	store.seedAccount(Account{AccountID: buyerID, Role: RoleUser, BalanceCents: 5000})
	store.seedAccount(Account{AccountID: plainID, Role: RoleUser})
	store.seedKeys(productID, "KEY-A")

	if _, err := service.Purchase(ctx, buyerID, productID, buyerID, &plainID); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if balance := store.balanceOf(plainID); balance != 0 {
		test.Fatalf("non-reseller was credited: %d", balance)
	}
}

func TestConcurrentPurchasesNeverOversell(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(testNow)
	service := newTestService(test, store, clock)
	ctx := context.Background()
	productID := mustProductID(test, testProductID)

	const buyers = 8
	const stocked = 3
	store.seedKeys(productID, "KEY-1", "KEY-2", "KEY-3")

	buyerIDs := make([]AccountID, buyers)
	for index := range buyerIDs {
		buyerIDs[index] = mustAccountID(test, "buyer-"+string(rune('a'+index)))
		store.seedAccount(Account{AccountID: buyerIDs[index], Role: RoleUser, BalanceCents: 5000})
	}

	var waitGroup sync.WaitGroup
	results := make([]error, buyers)
	licenses := make([]License, buyers)
	for index := range buyerIDs {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			licenses[slot], results[slot] = service.Purchase(ctx, buyerIDs[slot], productID, buyerIDs[slot], nil)
		}(index)
	}
	waitGroup.Wait()

	var succeeded int
	seenKeys := map[string]bool{}
	for index, err := range results {
		if err == nil {
			succeeded++
			key := licenses[index].Key.String()
			if seenKeys[key] {
				test.Fatalf("key %s issued twice", key)
			}
			seenKeys[key] = true
			if balance := store.balanceOf(buyerIDs[index]); balance != 0 {
				test.Fatalf("winner %d balance %d", index, balance)
			}
			continue
		}
		if !errors.Is(err, ErrOutOfStock) {
			test.Fatalf("unexpected purchase error: %v", err)
		}
		if balance := store.balanceOf(buyerIDs[index]); balance != 5000 {
			test.Fatalf("loser %d was debited: %d", index, balance)
		}
	}
	if succeeded != stocked {
		test.Fatalf("expected %d successful purchases, got %d", stocked, succeeded)
	}
}
