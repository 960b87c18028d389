package importer

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"

	"bulkindex/pkg/common"
)

// FromSlice streams entries over a channel closed after the last one.
func FromSlice(ctx context.Context, entries []*common.Entry) <-chan *common.Entry {
	ch := make(chan *common.Entry)
	go func() {
		defer close(ch)
		for _, e := range entries {
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

var (
	givenNames = []string{"Alice", "Bob", "Carol", "Dave", "Erin", "Frank", "Grace", "Heidi", "Ivan", "Judy", "Mallory", "Niaj", "Olivia", "Peggy", "Rupert", "Sybil", "Trent", "Victor", "Walter", "Yolanda"}
	surnames   = []string{"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez", "Wilson", "Anderson", "Thomas", "Taylor", "Moore", "Jackson", "Martin"}
	domains    = []string{"example.com", "example.org", "example.net"}
)

// SyntheticEntry builds a deterministic inetOrgPerson for sequence number n.
func SyntheticEntry(rng *rand.Rand, n int) *common.Entry {
	given := givenNames[rng.Intn(len(givenNames))]
	sur := surnames[rng.Intn(len(surnames))]
	uid := fmt.Sprintf("user.%d", n)

	e := common.NewEntry("uid=" + uid + ",ou=People,dc=example,dc=com")
	e.Add("objectClass", "top", "person", "organizationalPerson", "inetOrgPerson")
	e.Add("uid", uid)
	e.Add("givenName", given)
	e.Add("sn", sur)
	e.Add("cn", given+" "+sur)
	e.Add("mail", uid+"@"+domains[rng.Intn(len(domains))])
	e.Add("uidNumber", strconv.Itoa(1000+n))
	return e
}

// Synthetic streams n synthetic entries generated from seed.
func Synthetic(ctx context.Context, n int, seed int64) <-chan *common.Entry {
	ch := make(chan *common.Entry, 64)
	go func() {
		defer close(ch)
		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < n; i++ {
			select {
			case ch <- SyntheticEntry(rng, i):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
