package persistence

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"gexchange/logger"
	"gexchange/models"
)

// Skipped describes one record dropped while decoding.
type Skipped struct {
	Path   string
	Line   int
	Reason string
}

// Decode parses a snapshot record. A document that is not a mapping is an
// error; anything below the top level is decoded entry by entry and bad
// entries are returned in the skipped list.
func Decode(data []byte) (Snapshot, []Skipped, error) {
	var s Snapshot
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return s, nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if root.Kind == 0 {
		return s, nil, nil
	}
	doc := &root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return s, nil, fmt.Errorf("snapshot root is not a mapping (line %d)", doc.Line)
	}

	d := &decoder{}
	d.fields(doc, "", map[string]func(*yaml.Node, string){
		"version":  func(n *yaml.Node, p string) { d.scalar(n, p, &s.Version) },
		"world":    func(n *yaml.Node, p string) { d.scalar(n, p, &s.World) },
		"saved_at": func(n *yaml.Node, p string) { d.scalar(n, p, &s.SavedAt) },
		"next_id":  func(n *yaml.Node, p string) { d.scalar(n, p, &s.NextID) },
		"listings": func(n *yaml.Node, p string) { s.Listings = d.listings(n, p) },
		"players": func(n *yaml.Node, p string) {
			d.each(n, p, func(item *yaml.Node, ip string) {
				if pr, ok := d.player(item, ip); ok {
					s.Players = append(s.Players, pr)
				}
			})
		},
		"price_history": func(n *yaml.Node, p string) {
			d.each(n, p, func(item *yaml.Node, ip string) {
				if pr, ok := d.prices(item, ip); ok {
					s.PriceHistory = append(s.PriceHistory, pr)
				}
			})
		},
	})
	return s, d.skipped, nil
}

type decoder struct {
	skipped []Skipped
}

func (d *decoder) skip(n *yaml.Node, path, reason string) {
	d.skipped = append(d.skipped, Skipped{Path: path, Line: n.Line, Reason: reason})
}

// fields dispatches the keys of a mapping node. Unknown keys are ignored.
func (d *decoder) fields(n *yaml.Node, path string, handlers map[string]func(*yaml.Node, string)) bool {
	if n.Tag == "!!null" {
		return true
	}
	if n.Kind != yaml.MappingNode {
		d.skip(n, path, "expected a mapping")
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if h, ok := handlers[key]; ok {
			h(n.Content[i+1], join(path, key))
		}
	}
	return true
}

func (d *decoder) scalar(n *yaml.Node, path string, out any) {
	if err := n.Decode(out); err != nil {
		d.skip(n, path, err.Error())
	}
}

// each calls fn for every element of a sequence node. A null node is an
// empty list.
func (d *decoder) each(n *yaml.Node, path string, fn func(*yaml.Node, string)) {
	if n.Tag == "!!null" {
		return
	}
	if n.Kind != yaml.SequenceNode {
		d.skip(n, path, "expected a list")
		return
	}
	for i, item := range n.Content {
		fn(item, fmt.Sprintf("%s[%d]", path, i))
	}
}

func (d *decoder) listings(n *yaml.Node, path string) []models.Listing {
	var out []models.Listing
	seen := make(map[int64]bool)
	d.each(n, path, func(item *yaml.Node, ip string) {
		var l models.Listing
		if err := item.Decode(&l); err != nil {
			d.skip(item, ip, err.Error())
			return
		}
		if reason := checkListing(l); reason != "" {
			d.skip(item, ip, reason)
			return
		}
		if seen[l.ID] {
			d.skip(item, ip, fmt.Sprintf("duplicate listing id %d", l.ID))
			return
		}
		seen[l.ID] = true
		out = append(out, l)
	})
	return out
}

func checkListing(l models.Listing) string {
	switch {
	case l.ID <= 0:
		return "listing id must be positive"
	case l.SellerID == "" || l.ItemKind == "":
		return "listing without seller or item"
	case l.Quantity <= 0:
		return "listing quantity must be positive"
	case l.PricePerUnit <= 0:
		return "listing price must be positive"
	case l.State != models.ListingActive && l.State != models.ListingDisabled:
		return fmt.Sprintf("listing state %q cannot be restored", l.State)
	}
	return ""
}

func (d *decoder) player(n *yaml.Node, path string) (PlayerRecord, bool) {
	var pr PlayerRecord
	var lostEscrow bool
	ok := d.fields(n, path, map[string]func(*yaml.Node, string){
		"id": func(v *yaml.Node, p string) { d.scalar(v, p, &pr.ID) },
		"sell": func(v *yaml.Node, p string) {
			d.fields(v, p, map[string]func(*yaml.Node, string){
				"offers": func(v *yaml.Node, p string) {
					d.each(v, p, func(item *yaml.Node, ip string) {
						var o models.SellOffer
						if err := item.Decode(&o); err != nil {
							d.skip(item, ip, err.Error())
							return
						}
						if o.Slot < 0 || o.Quantity < 0 || o.PricePerUnit < 0 {
							d.skip(item, ip, "negative slot, quantity or price")
							return
						}
						pr.Sell.Offers = append(pr.Sell.Offers, o)
					})
				},
				"staged": func(v *yaml.Node, p string) {
					d.each(v, p, func(item *yaml.Node, ip string) {
						var st models.StagedItem
						if err := item.Decode(&st); err != nil || st.Quantity <= 0 || st.ItemKind == "" {
							d.skip(item, ip, "malformed staged item")
							return
						}
						pr.Sell.Staged = append(pr.Sell.Staged, st)
					})
				},
			})
		},
		"buy": func(v *yaml.Node, p string) {
			d.fields(v, p, map[string]func(*yaml.Node, string){
				"withdrawn": func(v *yaml.Node, p string) { d.scalar(v, p, &pr.Buy.Withdrawn) },
				"orders": func(v *yaml.Node, p string) {
					d.each(v, p, func(item *yaml.Node, ip string) {
						var o models.BuyOrder
						if err := item.Decode(&o); err != nil {
							d.skip(item, ip, err.Error())
							lostEscrow = true
							return
						}
						if o.Slot < 0 || o.QuantityRemaining < 0 || o.EscrowedCoins < 0 {
							d.skip(item, ip, "negative slot, quantity or escrow")
							lostEscrow = true
							return
						}
						pr.Buy.Orders = append(pr.Buy.Orders, o)
					})
				},
			})
		},
		"collection": func(v *yaml.Node, p string) {
			d.fields(v, p, map[string]func(*yaml.Node, string){
				"preference": func(v *yaml.Node, p string) { d.scalar(v, p, &pr.Collection.Preference) },
				"items": func(v *yaml.Node, p string) {
					d.each(v, p, func(item *yaml.Node, ip string) {
						var ci models.CollectionItem
						if err := item.Decode(&ci); err != nil || ci.Quantity <= 0 || ci.ItemKind == "" {
							d.skip(item, ip, "malformed collection item")
							return
						}
						pr.Collection.Items = append(pr.Collection.Items, ci)
					})
				},
			})
		},
	})
	if !ok {
		return pr, false
	}
	if pr.ID == "" {
		d.skip(n, path, "player without id")
		return pr, false
	}
	if lostEscrow {
		// The skipped order's escrow cannot be recovered; keep the rest
		// of the book consistent with what survived.
		var sum int64
		for _, o := range pr.Buy.Orders {
			if o.State == models.OrderActive {
				sum += o.EscrowedCoins
			}
		}
		d.skip(n, path+".buy.withdrawn", fmt.Sprintf("reset from %d to %d after dropping an order", pr.Buy.Withdrawn, sum))
		pr.Buy.Withdrawn = sum
	}
	return pr, true
}

func (d *decoder) prices(n *yaml.Node, path string) (PriceRecord, bool) {
	var pr PriceRecord
	ok := d.fields(n, path, map[string]func(*yaml.Node, string){
		"item_kind": func(v *yaml.Node, p string) { d.scalar(v, p, &pr.ItemKind) },
		"prices": func(v *yaml.Node, p string) {
			d.each(v, p, func(item *yaml.Node, ip string) {
				var e models.PriceEntry
				if err := item.Decode(&e); err != nil || e.Price <= 0 {
					d.skip(item, ip, "malformed price entry")
					return
				}
				pr.Prices = append(pr.Prices, e)
			})
		},
	})
	if !ok || pr.ItemKind == "" {
		if ok {
			d.skip(n, path, "price history without item")
		}
		return pr, false
	}
	return pr, true
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// LogSkipped reports every skipped record at warn level.
func LogSkipped(world string, skipped []Skipped) {
	if len(skipped) == 0 {
		return
	}
	log := logger.GetLogger().WithComponent("persistence").WithFields(logger.Fields{"world": world})
	for _, s := range skipped {
		log.WithFields(logger.Fields{"path": s.Path, "line": s.Line}).Warn("skipped snapshot record: " + s.Reason)
	}
}
