// Command mtdynamo is a small operator console for the shared-table layer:
// it manages virtual tables and reads and writes items as one tenant.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/attic-labs/kingpin"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/sirupsen/logrus"

	"github.com/sharedtable/mtdynamo/mtcontext"
	"github.com/sharedtable/mtdynamo/repo/dynamorepo"
	"github.com/sharedtable/mtdynamo/sharedtable"
)

type config struct {
	Region        string `toml:"region"`
	Endpoint      string `toml:"endpoint"`
	TablePrefix   string `toml:"table_prefix"`
	MetadataTable string `toml:"metadata_table"`
	Tenant        string `toml:"tenant"`

	Options struct {
		DeleteTableAsync      bool `toml:"delete_table_async"`
		TruncateOnDeleteTable bool `toml:"truncate_on_delete_table"`
	} `toml:"options"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		Region:        "us-east-1",
		TablePrefix:   "mt_",
		MetadataTable: "mt_table_descriptions",
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Tenant == "" {
		return cfg, fmt.Errorf("%s: tenant must be set", path)
	}
	return cfg, nil
}

func main() {
	kingpin.EnableFileExpansion = false
	kingpin.CommandLine.HelpFlag.Short('h')
	app := kingpin.New("mtdynamo", "Manage multitenant virtual tables over shared DynamoDB tables.")

	configPath := app.Flag("config", "path to the toml config file").Default("mtdynamo.toml").String()
	tenantFlag := app.Flag("tenant", "tenant to act as (overrides the config file)").String()
	verbose := app.Flag("verbose", "show debug logging").Short('v').Bool()

	createTable := app.Command("create-table", "Register a virtual table")
	createName := createTable.Arg("table", "virtual table name").Required().String()
	createHashKey := createTable.Flag("hash-key", "hash key attribute name").Default("id").String()
	createHashType := createTable.Flag("hash-type", "hash key attribute type").Default("S").Enum("S", "N", "B")
	createRangeKey := createTable.Flag("range-key", "range key attribute name").String()
	createRangeType := createTable.Flag("range-type", "range key attribute type").Default("S").Enum("S", "N", "B")
	createStreams := createTable.Flag("streams", "enable streams on the virtual table").Bool()

	describeTable := app.Command("describe-table", "Show a virtual table's schema")
	describeName := describeTable.Arg("table", "virtual table name").Required().String()

	deleteTable := app.Command("delete-table", "Delete a virtual table")
	deleteName := deleteTable.Arg("table", "virtual table name").Required().String()

	get := app.Command("get", "Get one item by key")
	getTable := get.Arg("table", "virtual table name").Required().String()
	getKey := get.Arg("key", "item key as json, e.g. '{\"id\": \"a\"}'").Required().String()

	put := app.Command("put", "Put one item")
	putTable := put.Arg("table", "virtual table name").Required().String()
	putItem := put.Arg("item", "item as json").Required().String()

	scan := app.Command("scan", "Scan a virtual table")
	scanTable := scan.Arg("table", "virtual table name").Required().String()
	scanLimit := scan.Flag("limit", "max items per page").Default("100").Int64()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *tenantFlag != "" {
		cfg.Tenant = *tenantFlag
	}

	client, err := newClient(cfg, log)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx := mtcontext.WithTenant(context.Background(), cfg.Tenant)

	switch command {
	case createTable.FullCommand():
		err = runCreateTable(ctx, client, createTableInput(*createName, *createHashKey, *createHashType, *createRangeKey, *createRangeType, *createStreams))
	case describeTable.FullCommand():
		err = runDescribeTable(ctx, client, *describeName)
	case deleteTable.FullCommand():
		err = runDeleteTable(ctx, client, *deleteName)
	case get.FullCommand():
		err = runGet(ctx, client, *getTable, *getKey)
	case put.FullCommand():
		err = runPut(ctx, client, *putTable, *putItem)
	case scan.FullCommand():
		err = runScan(ctx, client, *scanTable, *scanLimit)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func newClient(cfg config, log *logrus.Logger) (*sharedtable.Client, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	ddb := dynamodb.New(sess)

	descRepo := dynamorepo.New(cfg.MetadataTable, ddb)
	factory := sharedtable.NewTableMappingFactory(sharedtable.DefaultCreateTableRequestFactory(cfg.TablePrefix))

	return sharedtable.New(ddb, descRepo, factory, sharedtable.Config{
		Name:                  "mtdynamo-cli",
		DeleteTableAsync:      cfg.Options.DeleteTableAsync,
		TruncateOnDeleteTable: cfg.Options.TruncateOnDeleteTable,
		Logger:                log,
	})
}

func createTableInput(name, hashKey, hashType, rangeKey, rangeType string, streams bool) *dynamodb.CreateTableInput {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(hashKey), KeyType: aws.String(dynamodb.KeyTypeHash)},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(hashKey), AttributeType: aws.String(hashType)},
		},
	}
	if rangeKey != "" {
		input.KeySchema = append(input.KeySchema, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(rangeKey), KeyType: aws.String(dynamodb.KeyTypeRange),
		})
		input.AttributeDefinitions = append(input.AttributeDefinitions, &dynamodb.AttributeDefinition{
			AttributeName: aws.String(rangeKey), AttributeType: aws.String(rangeType),
		})
	}
	if streams {
		input.StreamSpecification = &dynamodb.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: aws.String(dynamodb.StreamViewTypeNewAndOldImages),
		}
	}
	return input
}

func runCreateTable(ctx context.Context, client *sharedtable.Client, input *dynamodb.CreateTableInput) error {
	out, err := client.CreateTable(ctx, input)
	if err != nil {
		return err
	}
	return printJSON(out.TableDescription)
}

func runDescribeTable(ctx context.Context, client *sharedtable.Client, name string) error {
	out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		return err
	}
	return printJSON(out.Table)
}

func runDeleteTable(ctx context.Context, client *sharedtable.Client, name string) error {
	out, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)})
	if err != nil {
		return err
	}
	return printJSON(out.TableDescription)
}

func runGet(ctx context.Context, client *sharedtable.Client, table, keyJSON string) error {
	key, err := attributeValues(keyJSON)
	if err != nil {
		return err
	}
	out, err := client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       key,
	})
	if err != nil {
		return err
	}
	if out.Item == nil {
		fmt.Println("not found")
		return nil
	}
	return printItem(out.Item)
}

func runPut(ctx context.Context, client *sharedtable.Client, table, itemJSON string) error {
	item, err := attributeValues(itemJSON)
	if err != nil {
		return err
	}
	_, err = client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	return err
}

func runScan(ctx context.Context, client *sharedtable.Client, table string, limit int64) error {
	input := &dynamodb.ScanInput{
		TableName: aws.String(table),
		Limit:     aws.Int64(limit),
	}
	for {
		out, err := client.Scan(ctx, input)
		if err != nil {
			return err
		}
		for _, item := range out.Items {
			if err := printItem(item); err != nil {
				return err
			}
		}
		if out.LastEvaluatedKey == nil {
			return nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func attributeValues(jsonText string) (map[string]*dynamodb.AttributeValue, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(jsonText), &fields); err != nil {
		return nil, err
	}
	return dynamodbattribute.MarshalMap(fields)
}

func printItem(item map[string]*dynamodb.AttributeValue) error {
	var fields map[string]interface{}
	if err := dynamodbattribute.UnmarshalMap(item, &fields); err != nil {
		return err
	}
	return printJSON(fields)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
