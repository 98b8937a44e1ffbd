package learn

// seedMappings is the built-in Turkish to English concept dictionary. Keys
// are diacritic-folded. Per-database learned mappings extend this set at
// runtime and shadow it on conflict.
var seedMappings = map[string]string{
	"kullanici":  "user",
	"uye":        "member",
	"musteri":    "customer",
	"siparis":    "order",
	"urun":       "product",
	"odeme":      "payment",
	"fatura":     "invoice",
	"kategori":   "category",
	"segment":    "segment",
	"gelir":      "revenue",
	"satis":      "sale",
	"calisan":    "employee",
	"personel":   "employee",
	"stok":       "inventory",
	"abonelik":   "subscription",
	"tutar":      "amount",
	"fiyat":      "price",
	"adet":       "quantity",
	"miktar":     "quantity",
	"tarih":      "date",
	"isim":       "name",
	"ad":         "name",
	"adres":      "address",
	"sehir":      "city",
	"ulke":       "country",
	"durum":      "status",
	"indirim":    "discount",
	"kargo":      "shipment",
	"tedarikci":  "supplier",
	"depo":       "warehouse",
	"hesap":      "account",
	"islem":      "transaction",
	"bakiye":     "balance",
	"puan":       "score",
	"yorum":      "review",
	"sepet":      "cart",
	"iade":       "refund",
	"vergi":      "tax",
	"maas":       "salary",
	"departman":  "department",
	"sube":       "branch",
	"kampanya":   "campaign",
	"etkinlik":   "event",
	"rapor":      "report",
	"gecmis":     "history",
	"kayit":      "record",
}
