package model

import "sort"

// Provenance 标记候选站点的来源。
type Provenance string

const (
	ProvenanceLoaded  Provenance = "loaded"
	ProvenanceCrawled Provenance = "crawled"
	ProvenanceCustom  Provenance = "custom"
)

// CandidateDomain 是一个待注册的候选站点。
type CandidateDomain struct {
	Address    string
	Coupon     string
	InviteCode string
	Provenance Provenance
}

// DomainTable 以地址为键，同一地址只保留一条记录。
type DomainTable map[string]CandidateDomain

// Addresses 返回排序后的地址列表。
func (t DomainTable) Addresses() []string {
	out := make([]string, 0, len(t))
	for addr := range t {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Clone returns a shallow copy of the table.
func (t DomainTable) Clone() DomainTable {
	out := make(DomainTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Equal reports whether both tables hold the same records, ignoring provenance.
func (t DomainTable) Equal(other DomainTable) bool {
	if len(t) != len(other) {
		return false
	}
	for addr, d := range t {
		o, ok := other[addr]
		if !ok || o.Coupon != d.Coupon || o.InviteCode != d.InviteCode {
			return false
		}
	}
	return true
}

// MergeReplace 返回 base 与 overlay 的合并结果：overlay 中的记录整体覆盖同地址记录。
func MergeReplace(base, overlay DomainTable) DomainTable {
	out := base.Clone()
	for addr, d := range overlay {
		d.Address = addr
		out[addr] = d
	}
	return out
}

// MergeCoupons 只覆盖 coupon 字段，保留已有记录的其它字段。
func MergeCoupons(base DomainTable, coupons map[string]string, provenance Provenance) DomainTable {
	out := base.Clone()
	for addr, coupon := range coupons {
		d, ok := out[addr]
		if !ok {
			d = CandidateDomain{Address: addr}
		}
		d.Coupon = coupon
		d.Provenance = provenance
		out[addr] = d
	}
	return out
}
