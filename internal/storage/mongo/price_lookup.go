package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// CollectionName — коллекция товаров каталога.
const CollectionName = "products"

const opTimeout = 5 * time.Second

// productDocument — документ товара. Цены читаются как сырые значения,
// потому что каталог может хранить их в Decimal128, double, целом или строке.
type productDocument struct {
	ProductRef    string        `bson:"product_ref"`
	Name          string        `bson:"name"`
	Vendor        string        `bson:"vendor"`
	EmployeePrice bson.RawValue `bson:"employee_price"`
	RetailPrice   bson.RawValue `bson:"retail_price"`
}

// PriceLookup — каталог цен в MongoDB.
type PriceLookup struct {
	collection *mongo.Collection
}

var (
	_ domain.PriceLookup   = (*PriceLookup)(nil)
	_ domain.CatalogWriter = (*PriceLookup)(nil)
)

// NewPriceLookup создаёт каталог поверх коллекции products.
func NewPriceLookup(db *mongo.Database) *PriceLookup {
	return &PriceLookup{collection: db.Collection(CollectionName)}
}

// CreateIndexes создаёт уникальный индекс по артикулу.
func (l *PriceLookup) CreateIndexes(ctx context.Context) error {
	_, err := l.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "product_ref", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_product_ref"),
	})
	if err != nil {
		return fmt.Errorf("create product indexes: %w", err)
	}
	return nil
}

// Ping проверяет доступность сервера.
func (l *PriceLookup) Ping(ctx context.Context) error {
	return l.collection.Database().Client().Ping(ctx, readpref.Primary())
}

// FindProductPricing возвращает цены товара или ErrProductNotFound.
func (l *PriceLookup) FindProductPricing(ctx context.Context, productRef string) (domain.ProductPricing, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc productDocument
	err := l.collection.FindOne(ctx, bson.M{"product_ref": productRef}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.ProductPricing{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.ProductPricing{}, fmt.Errorf("find product %q: %w", productRef, err)
	}

	return doc.pricing()
}

func (d productDocument) pricing() (domain.ProductPricing, error) {
	employee, err := decodePrice(d.EmployeePrice)
	if err != nil {
		return domain.ProductPricing{}, fmt.Errorf("product %q employee_price: %w", d.ProductRef, err)
	}
	retail, err := decodePrice(d.RetailPrice)
	if err != nil {
		return domain.ProductPricing{}, fmt.Errorf("product %q retail_price: %w", d.ProductRef, err)
	}
	return domain.ProductPricing{EmployeePrice: employee, RetailPrice: retail}, nil
}

// decodePrice переводит BSON-значение в цену. Отсутствующее поле и null дают пустую цену.
func decodePrice(raw bson.RawValue) (decimal.NullDecimal, error) {
	switch raw.Type {
	case 0, bsontype.Null, bsontype.Undefined:
		return decimal.NullDecimal{}, nil
	case bsontype.Double:
		return decimal.NewNullDecimal(decimal.NewFromFloat(raw.Double())), nil
	case bsontype.Int32:
		return decimal.NewNullDecimal(decimal.NewFromInt32(raw.Int32())), nil
	case bsontype.Int64:
		return decimal.NewNullDecimal(decimal.NewFromInt(raw.Int64())), nil
	case bsontype.Decimal128:
		return parsePrice(raw.Decimal128().String())
	case bsontype.String:
		return parsePrice(raw.StringValue())
	default:
		return decimal.NullDecimal{}, fmt.Errorf("unsupported price type %s", raw.Type)
	}
}

func parsePrice(s string) (decimal.NullDecimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func encodePrice(p decimal.NullDecimal) (any, error) {
	if !p.Valid {
		return nil, nil
	}
	d, err := primitive.ParseDecimal128(p.Decimal.String())
	if err != nil {
		return nil, fmt.Errorf("encode price %s: %w", p.Decimal, err)
	}
	return d, nil
}

// UpsertProducts записывает товары одним bulk-запросом. Цены сохраняются в Decimal128.
func (l *PriceLookup) UpsertProducts(ctx context.Context, products []domain.Product) (int, error) {
	if len(products) == 0 {
		return 0, nil
	}

	models := make([]mongo.WriteModel, 0, len(products))
	now := time.Now().UTC()
	for _, p := range products {
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("product %q: %w", p.Ref, err)
		}
		employee, err := encodePrice(p.Pricing.EmployeePrice)
		if err != nil {
			return 0, err
		}
		retail, err := encodePrice(p.Pricing.RetailPrice)
		if err != nil {
			return 0, err
		}

		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"product_ref": p.Ref}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"name":           p.Name,
					"vendor":         p.Vendor,
					"employee_price": employee,
					"retail_price":   retail,
					"updated_at":     now,
				},
				"$setOnInsert": bson.M{"created_at": now},
			}).
			SetUpsert(true))
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := l.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return 0, fmt.Errorf("upsert products: %w", err)
	}
	return int(res.UpsertedCount + res.MatchedCount), nil
}
