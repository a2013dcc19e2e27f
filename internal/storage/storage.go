package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/vmorsell/cohort-live/pkg/model"
	"go.uber.org/zap"
)

const (
	partitionKey = "pk"
	sortKey      = "sk"

	eventKeyPrefix    = "event#"
	counterKey        = "counter"
	sortKeyMeta       = "meta"
	sortPrefixDevice  = "device#"
	sortPrefixOcc     = "occasion#"
	counterKindEvents = "events"
	counterKindOccs   = "occasions"

	dynamoDBOperationTimeout = 5 * time.Second
)

var (
	// ErrEventNotFound is returned when an event has no meta item.
	ErrEventNotFound = errors.New("event not found")
	// ErrOccasionNotFound is returned when updating a non-existent occasion.
	ErrOccasionNotFound = errors.New("occasion not found")
	// ErrDeviceExists is returned when a guid is already registered for an event.
	ErrDeviceExists = errors.New("device already registered for event")
)

// DynamoAPI is the subset of *dynamodb.Client used by Storage.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Storage struct {
	logger    *zap.Logger
	client    DynamoAPI
	tableName string
}

func NewStorage(logger *zap.Logger, client DynamoAPI, tableName string) *Storage {
	return &Storage{
		logger:    logger,
		client:    client,
		tableName: tableName,
	}
}

type counterItem struct {
	Seq int64 `dynamodbav:"seq"`
}

func (s *Storage) nextID(ctx context.Context, kind string) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              itemKey(counterKey, kind),
		UpdateExpression: aws.String("ADD seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s counter: %w", kind, err)
	}

	var counter counterItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &counter); err != nil {
		return 0, fmt.Errorf("unmarshal %s counter: %w", kind, err)
	}
	return counter.Seq, nil
}

func (s *Storage) CreateEvent(ctx context.Context, label, ownerID string) (model.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	id, err := s.nextID(ctx, counterKindEvents)
	if err != nil {
		return model.Event{}, err
	}
	event := model.Event{ID: id, Label: label, OwnerID: ownerID}

	if err := s.putNew(ctx, eventPK(id), sortKeyMeta, event); err != nil {
		return model.Event{}, fmt.Errorf("put event item: %w", err)
	}
	s.logger.Info("event created", zap.Int64("eventID", id), zap.String("label", label))
	return event, nil
}

func (s *Storage) CreateOccasion(ctx context.Context, eventID int64, label string) (model.Occasion, error) {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	exists, err := s.eventExists(ctx, eventID)
	if err != nil {
		return model.Occasion{}, err
	}
	if !exists {
		return model.Occasion{}, ErrEventNotFound
	}

	id, err := s.nextID(ctx, counterKindOccs)
	if err != nil {
		return model.Occasion{}, err
	}
	occasion := model.Occasion{ID: id, EventID: eventID, Label: label}

	if err := s.putNew(ctx, eventPK(eventID), occasionSK(id), occasion); err != nil {
		return model.Occasion{}, fmt.Errorf("put occasion item: %w", err)
	}
	return occasion, nil
}

// LoadEventWithDevices returns the event and every device row registered for
// it, in registration order.
func (s *Storage) LoadEventWithDevices(ctx context.Context, eventID int64) (*model.EventRoster, error) {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	items, err := s.queryEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	var roster *model.EventRoster
	var devices []deviceItem
	for _, item := range items {
		sk := stringAttr(item, sortKey)
		switch {
		case sk == sortKeyMeta:
			var event model.Event
			if err := attributevalue.UnmarshalMap(item, &event); err != nil {
				return nil, fmt.Errorf("unmarshal event: %w", err)
			}
			roster = &model.EventRoster{Event: event}
		case strings.HasPrefix(sk, sortPrefixDevice):
			var device deviceItem
			if err := attributevalue.UnmarshalMap(item, &device); err != nil {
				return nil, fmt.Errorf("unmarshal device: %w", err)
			}
			devices = append(devices, device)
		}
	}

	if roster == nil {
		return nil, ErrEventNotFound
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RegisteredAt < devices[j].RegisteredAt })
	roster.Devices = make([]model.Device, len(devices))
	for i, d := range devices {
		roster.Devices[i] = d.Device
	}
	return roster, nil
}

// RegisterDevice adds a device row for the event unless the guid is
// already registered there. Rows are keyed by guid so concurrent check-ins
// of the same device race on the conditional put and only one wins.
func (s *Storage) RegisterDevice(ctx context.Context, eventID int64, device model.Device) error {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	exists, err := s.eventExists(ctx, eventID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrEventNotFound
	}

	item := deviceItem{Device: device, RegisteredAt: time.Now().UnixMilli()}
	if err := s.putNew(ctx, eventPK(eventID), deviceSK(device.GUID), item); err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			return ErrDeviceExists
		}
		return fmt.Errorf("put device item: %w", err)
	}
	s.logger.Info("device registered", zap.Int64("eventID", eventID), zap.String("guid", device.GUID))
	return nil
}

func (s *Storage) SetOccasionOpen(ctx context.Context, eventID, occasionID int64, open bool) (model.Occasion, error) {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 itemKey(eventPK(eventID), occasionSK(occasionID)),
		UpdateExpression:    aws.String("SET isOpen = :open"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":open": &types.AttributeValueMemberBOOL{Value: open},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			return model.Occasion{}, ErrOccasionNotFound
		}
		return model.Occasion{}, fmt.Errorf("update occasion item: %w", err)
	}

	var occasion model.Occasion
	if err := attributevalue.UnmarshalMap(out.Attributes, &occasion); err != nil {
		return model.Occasion{}, fmt.Errorf("unmarshal occasion: %w", err)
	}
	return occasion, nil
}

// ListOpenOccasions scans the table for every occasion currently marked open.
func (s *Storage) ListOpenOccasions(ctx context.Context) ([]model.Occasion, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: aws.String("begins_with(sk, :occ) AND isOpen = :open"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":occ":  &types.AttributeValueMemberS{Value: sortPrefixOcc},
			":open": &types.AttributeValueMemberBOOL{Value: true},
		},
	})

	occasions := []model.Occasion{}
	for paginator.HasMorePages() {
		pageCtx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
		out, err := paginator.NextPage(pageCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("scan open occasions: %w", err)
		}

		var batch []model.Occasion
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal occasions: %w", err)
		}
		occasions = append(occasions, batch...)
	}
	return occasions, nil
}

func (s *Storage) queryEvent(ctx context.Context, eventID int64) ([]map[string]types.AttributeValue, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: eventPK(eventID)},
		},
	})

	var items []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query event %d: %w", eventID, err)
		}
		items = append(items, out.Items...)
	}
	return items, nil
}

func (s *Storage) eventExists(ctx context.Context, eventID int64) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		ConsistentRead: aws.Bool(true),
		Key:            itemKey(eventPK(eventID), sortKeyMeta),
	})
	if err != nil {
		return false, fmt.Errorf("get event item: %w", err)
	}
	return len(result.Item) > 0, nil
}

func (s *Storage) putNew(ctx context.Context, pk, sk string, v interface{}) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	item[partitionKey] = &types.AttributeValueMemberS{Value: pk}
	item[sortKey] = &types.AttributeValueMemberS{Value: sk}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	return err
}

type deviceItem struct {
	model.Device
	RegisteredAt int64 `dynamodbav:"registeredAt"`
}

func eventPK(id int64) string {
	return eventKeyPrefix + strconv.FormatInt(id, 10)
}

func deviceSK(guid string) string {
	return sortPrefixDevice + guid
}

func occasionSK(id int64) string {
	return sortPrefixOcc + strconv.FormatInt(id, 10)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		partitionKey: &types.AttributeValueMemberS{Value: pk},
		sortKey:      &types.AttributeValueMemberS{Value: sk},
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
