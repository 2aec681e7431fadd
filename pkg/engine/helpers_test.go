package engine

import (
	"sync"
	"testing"
)

const (
	testAdminID    = "admin-1"
	testBuyerID    = "buyer-1"
	testResellerID = "reseller-1"
	testProductID  = "pro-30"
	testLiteID     = "lite-7"
	testNow        = int64(1_700_000_000)
)

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("new account id: %v", err)
	}
	return accountID
}

func mustProductID(test *testing.T, raw string) ProductID {
	test.Helper()
	productID, err := NewProductID(raw)
	if err != nil {
		test.Fatalf("new product id: %v", err)
	}
	return productID
}

func mustLicenseID(test *testing.T, raw string) LicenseID {
	test.Helper()
	licenseID, err := NewLicenseID(raw)
	if err != nil {
		test.Fatalf("new license id: %v", err)
	}
	return licenseID
}

func mustKey(test *testing.T, raw string) Key {
	test.Helper()
	key, err := NewKey(raw)
	if err != nil {
		test.Fatalf("new key: %v", err)
	}
	return key
}

func mustHWID(test *testing.T, raw string) HWID {
	test.Helper()
	hwid, err := NewHWID(raw)
	if err != nil {
		test.Fatalf("new hwid: %v", err)
	}
	return hwid
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	amount, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("new amount: %v", err)
	}
	return amount
}

func mustCommissionBps(test *testing.T, raw int64) CommissionBps {
	test.Helper()
	rate, err := NewCommissionBps(raw)
	if err != nil {
		test.Fatalf("new commission rate: %v", err)
	}
	return rate
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("new metadata: %v", err)
	}
	return metadata
}

func newTestCatalog(test *testing.T) Catalog {
	test.Helper()
	pro, err := NewProduct(mustProductID(test, testProductID), "Pro 30 days", "pro", 30, mustPositiveAmount(test, 5000), true)
	if err != nil {
		test.Fatalf("new product: %v", err)
	}
	lite, err := NewProduct(mustProductID(test, testLiteID), "Lite 7 days", "lite", 7, mustPositiveAmount(test, 1000), false)
	if err != nil {
		test.Fatalf("new product: %v", err)
	}
	catalog, err := NewCatalog([]Product{pro, lite})
	if err != nil {
		test.Fatalf("new catalog: %v", err)
	}
	return catalog
}

// testClock is a settable clock shared with the service under test.
type testClock struct {
	mutex sync.Mutex
	now   int64
}

func newTestClock(now int64) *testClock {
	return &testClock{now: now}
}

func (clock *testClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Advance(seconds int64) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now += seconds
}

func newTestService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	gate := NewGate([]AccountID{mustAccountID(test, testAdminID)})
	service, err := NewService(store, newTestCatalog(test), gate, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}
