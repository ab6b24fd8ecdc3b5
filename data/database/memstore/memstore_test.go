package memstore

import (
	"testing"

	"FriendChat/data/database"
	"FriendChat/data/database/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) database.Store { return New() })
}
